package models

import (
	"time"
)

// EntityStats is one row of the per-entity counters cache
type EntityStats struct {
	EntityID   int64  `json:"entity_id"`
	EntityKind string `json:"entity_kind"`

	KillsAll int64 `json:"kills_all"`
	Kills90d int64 `json:"kills_90d"`
	Kills30d int64 `json:"kills_30d"`
	Kills14d int64 `json:"kills_14d"`

	LossesAll int64 `json:"losses_all"`
	Losses90d int64 `json:"losses_90d"`
	Losses30d int64 `json:"losses_30d"`
	Losses14d int64 `json:"losses_14d"`

	IskDestroyedAll float64 `json:"isk_destroyed_all"`
	IskDestroyed90d float64 `json:"isk_destroyed_90d"`
	IskDestroyed30d float64 `json:"isk_destroyed_30d"`
	IskDestroyed14d float64 `json:"isk_destroyed_14d"`

	IskLostAll float64 `json:"isk_lost_all"`
	IskLost90d float64 `json:"isk_lost_90d"`
	IskLost30d float64 `json:"isk_lost_30d"`
	IskLost14d float64 `json:"isk_lost_14d"`

	SoloKills  int64 `json:"solo_kills"`
	SoloLosses int64 `json:"solo_losses"`
	NPCKills   int64 `json:"npc_kills"`
	NPCLosses  int64 `json:"npc_losses"`

	LastKillTime *time.Time `json:"last_kill_time,omitempty"`
	LastLossTime *time.Time `json:"last_loss_time,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Delta is the additive contribution of one killmail to one entity
type Delta struct {
	EntityID   int64
	EntityKind string

	Kills  int64
	Losses int64

	In90d bool
	In30d bool
	In14d bool

	IskDestroyed float64
	IskLost      float64

	SoloKills  int64
	SoloLosses int64
	NPCKills   int64
	NPCLosses  int64

	KillTime time.Time
}
