package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go-kestrel/internal/killmails/models"
	queueModels "go-kestrel/internal/queue/models"
	queueServices "go-kestrel/internal/queue/services"
	esikillmails "go-kestrel/pkg/evegateway/killmails"
)

// Queue names
const (
	QueueKillmails = "killmails"
	QueueEntities  = "entities"
	QueuePrices    = "prices"
	QueueStats     = "stats"
)

// Job types on the killmails queue
const (
	JobTypeFetch   = "fetch"
	JobTypeValue   = "value"
	JobTypePublish = "publish"
)

// JobTypeStatsUpdate is the single job type on the stats queue
const JobTypeStatsUpdate = "update"

// JobTypePriceHistory is the single job type on the prices queue
const JobTypePriceHistory = "history"

// FetchPayload is the payload of a killmail fetch job
type FetchPayload struct {
	KillmailID int64  `json:"killmail_id"`
	Hash       string `json:"hash"`
}

// ValuePayload is the payload of a value-calculation job
type ValuePayload struct {
	KillmailID int64     `json:"killmail_id"`
	KillTime   time.Time `json:"kill_time"`
}

// PublishPayload is the payload of a publish job
type PublishPayload struct {
	KillmailID int64 `json:"killmail_id"`
}

// EntityPayload is the payload of an entity refresh job
type EntityPayload struct {
	EntityID int64 `json:"entity_id"`
}

// PricePayload is the payload of a price-fetch job
type PricePayload struct {
	TypeID int64 `json:"type_id"`
}

// StatsEntity is one entity affected by a killmail
type StatsEntity struct {
	EntityID   int64  `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	// IsVictim selects the loss counters instead of the kill counters.
	IsVictim bool `json:"is_victim"`
}

// StatsPayload is the payload of an entity-stats update job
type StatsPayload struct {
	KillmailID int64         `json:"killmail_id"`
	KillTime   time.Time     `json:"kill_time"`
	TotalValue float64       `json:"total_value"`
	IsSolo     bool          `json:"is_solo"`
	IsNPC      bool          `json:"is_npc"`
	Entities   []StatsEntity `json:"entities"`
}

// Ingestor turns killmail records into stored rows and fan-out jobs
type Ingestor struct {
	repository *Repository
	dispatcher *queueServices.Dispatcher
}

// NewIngestor creates a new killmail ingestor
func NewIngestor(repository *Repository, dispatcher *queueServices.Dispatcher) *Ingestor {
	return &Ingestor{repository: repository, dispatcher: dispatcher}
}

// ConvertESI maps an upstream killmail body onto the storage model.
// Container items are flattened depth-first with parent_seq links.
func ConvertESI(km *esikillmails.KillmailResponse, hash string) *models.Full {
	full := &models.Full{
		Killmail: models.Killmail{
			KillmailID:    km.KillmailID,
			Hash:          hash,
			KillTime:      km.KillmailTime,
			SolarSystemID: km.SolarSystemID,
			MoonID:        km.MoonID,
			WarID:         km.WarID,
		},
		Victim: models.Victim{
			KillmailID:    km.KillmailID,
			CharacterID:   km.Victim.CharacterID,
			CorporationID: km.Victim.CorporationID,
			AllianceID:    km.Victim.AllianceID,
			FactionID:     km.Victim.FactionID,
			ShipTypeID:    km.Victim.ShipTypeID,
			DamageTaken:   km.Victim.DamageTaken,
		},
	}

	if km.Victim.Position != nil {
		full.Victim.PositionX = &km.Victim.Position.X
		full.Victim.PositionY = &km.Victim.Position.Y
		full.Victim.PositionZ = &km.Victim.Position.Z
	}

	for _, a := range km.Attackers {
		full.Attackers = append(full.Attackers, models.Attacker{
			KillmailID:     km.KillmailID,
			CharacterID:    a.CharacterID,
			CorporationID:  a.CorporationID,
			AllianceID:     a.AllianceID,
			FactionID:      a.FactionID,
			ShipTypeID:     a.ShipTypeID,
			WeaponTypeID:   a.WeaponTypeID,
			DamageDone:     a.DamageDone,
			FinalBlow:      a.FinalBlow,
			SecurityStatus: a.SecurityStatus,
		})
	}

	seq := int32(0)
	var flatten func(items []esikillmails.Item, parent *int32)
	flatten = func(items []esikillmails.Item, parent *int32) {
		for _, it := range items {
			row := models.Item{
				KillmailID: km.KillmailID,
				Seq:        seq,
				ParentSeq:  parent,
				ItemTypeID: it.ItemTypeID,
				Flag:       it.Flag,
				Singleton:  it.Singleton,
			}
			if it.QuantityDropped != nil {
				row.QuantityDropped = *it.QuantityDropped
			}
			if it.QuantityDestroyed != nil {
				row.QuantityDestroyed = *it.QuantityDestroyed
			}
			full.Items = append(full.Items, row)

			mySeq := seq
			seq++
			if len(it.Items) > 0 {
				flatten(it.Items, &mySeq)
			}
		}
	}
	flatten(km.Victim.Items, nil)

	derive(full)
	return full
}

// derive computes attacker_count and the three flags, and normalizes the
// final blow so exactly one attacker carries it.
func derive(full *models.Full) {
	full.Killmail.AttackerCount = int32(len(full.Attackers))

	// Upstream bodies occasionally arrive with zero or several marked
	// final blows; the stored rows always have exactly one.
	top := TopAttacker(full.Attackers)
	if top != nil {
		for i := range full.Attackers {
			full.Attackers[i].FinalBlow = false
		}
		top.FinalBlow = true
	}

	npc := len(full.Attackers) > 0
	awox := false
	for _, a := range full.Attackers {
		if a.CharacterID != nil && a.FactionID == nil {
			npc = false
		}
		if full.Victim.AllianceID != nil && a.AllianceID != nil &&
			*a.AllianceID == *full.Victim.AllianceID {
			awox = true
		}
	}

	full.Killmail.IsSolo = len(full.Attackers) == 1 && top != nil && top.FactionID == nil
	full.Killmail.IsNPC = npc
	full.Killmail.IsAwox = awox
}

// TopAttacker picks the attacker credited with the kill: the marked final
// blow, highest damage_done among several marks, otherwise the highest
// damage_done overall. First wins remaining ties.
func TopAttacker(attackers []models.Attacker) *models.Attacker {
	if len(attackers) == 0 {
		return nil
	}
	top := &attackers[0]
	for i := 1; i < len(attackers); i++ {
		a := &attackers[i]
		switch {
		case a.FinalBlow && !top.FinalBlow:
			top = a
		case a.FinalBlow == top.FinalBlow && a.DamageDone > top.DamageDone:
			top = a
		}
	}
	return top
}

// Ingest stores one killmail and, when it is new, enqueues the fan-out
// jobs after the transaction commits. knownTotalValue carries a
// feed-provided value into the stats job before the calculator runs.
func (i *Ingestor) Ingest(ctx context.Context, full *models.Full, knownTotalValue float64) (bool, error) {
	inserted, err := i.repository.Store(ctx, full)
	if err != nil {
		return false, fmt.Errorf("failed to store killmail %d: %w", full.Killmail.KillmailID, err)
	}
	if !inserted {
		slog.DebugContext(ctx, "Killmail already stored", "killmail_id", full.Killmail.KillmailID)
		return false, nil
	}

	if err := i.fanOut(ctx, full, knownTotalValue); err != nil {
		// The killmail is committed; a lost fan-out is recoverable by
		// re-ingest, so log and report without unwinding.
		slog.ErrorContext(ctx, "Killmail fan-out failed",
			"killmail_id", full.Killmail.KillmailID, "error", err)
		return true, err
	}

	slog.InfoContext(ctx, "Killmail ingested",
		"killmail_id", full.Killmail.KillmailID,
		"solar_system_id", full.Killmail.SolarSystemID,
		"attackers", full.Killmail.AttackerCount)
	return true, nil
}

// fanOut enqueues the post-commit jobs for a freshly inserted killmail
func (i *Ingestor) fanOut(ctx context.Context, full *models.Full, knownTotalValue float64) error {
	km := full.Killmail

	entityJobs := collectEntityJobs(full)
	typeIDs := collectTypeIDs(full)

	reqs := make([]queueServices.Request, 0, len(entityJobs)+len(typeIDs)+3)
	reqs = append(reqs, entityJobs...)

	for _, typeID := range typeIDs {
		reqs = append(reqs,
			queueServices.Request{
				Queue:   QueueEntities,
				Type:    "type",
				Payload: EntityPayload{EntityID: typeID},
				Options: queueModels.Options{Dedup: true},
			},
			queueServices.Request{
				Queue:   QueuePrices,
				Type:    JobTypePriceHistory,
				Payload: PricePayload{TypeID: typeID},
				Options: queueModels.Options{Dedup: true},
			})
	}

	if km.WarID != nil {
		reqs = append(reqs, queueServices.Request{
			Queue:   QueueEntities,
			Type:    "war",
			Payload: EntityPayload{EntityID: *km.WarID},
			Options: queueModels.Options{Dedup: true},
		})
	}

	reqs = append(reqs,
		queueServices.Request{
			Queue:   QueueEntities,
			Type:    "solar_system",
			Payload: EntityPayload{EntityID: km.SolarSystemID},
			Options: queueModels.Options{Dedup: true},
		},
		queueServices.Request{
			Queue:   QueueKillmails,
			Type:    JobTypeValue,
			Payload: ValuePayload{KillmailID: km.KillmailID, KillTime: km.KillTime},
			Options: queueModels.Options{Dedup: true},
		},
		queueServices.Request{
			Queue:   QueueKillmails,
			Type:    JobTypePublish,
			Payload: PublishPayload{KillmailID: km.KillmailID},
			Options: queueModels.Options{Dedup: true},
		},
		queueServices.Request{
			Queue: QueueStats,
			Type:  JobTypeStatsUpdate,
			Payload: StatsPayload{
				KillmailID: km.KillmailID,
				KillTime:   km.KillTime,
				TotalValue: knownTotalValue,
				IsSolo:     km.IsSolo,
				IsNPC:      km.IsNPC,
				Entities:   collectStatsEntities(full),
			},
			Options: queueModels.Options{Dedup: true},
		},
	)

	_, err := i.dispatcher.DispatchMany(ctx, reqs)
	return err
}

// collectEntityJobs builds deduplicated entity refresh jobs for every
// distinct character, corporation, and alliance id on the killmail.
func collectEntityJobs(full *models.Full) []queueServices.Request {
	characters := map[int64]bool{}
	corporations := map[int64]bool{}
	alliances := map[int64]bool{}

	add := func(set map[int64]bool, id *int64) {
		if id != nil && *id > 0 {
			set[*id] = true
		}
	}

	add(characters, full.Victim.CharacterID)
	add(corporations, full.Victim.CorporationID)
	add(alliances, full.Victim.AllianceID)
	for _, a := range full.Attackers {
		add(characters, a.CharacterID)
		add(corporations, a.CorporationID)
		add(alliances, a.AllianceID)
	}

	var reqs []queueServices.Request
	appendKind := func(set map[int64]bool, jobType string) {
		for id := range set {
			reqs = append(reqs, queueServices.Request{
				Queue:   QueueEntities,
				Type:    jobType,
				Payload: EntityPayload{EntityID: id},
				Options: queueModels.Options{Dedup: true},
			})
		}
	}
	appendKind(characters, "character")
	appendKind(corporations, "corporation")
	appendKind(alliances, "alliance")
	return reqs
}

// collectTypeIDs gathers every distinct type id on a killmail: victim
// ship, attacker ships and weapons, and all items.
func collectTypeIDs(full *models.Full) []int64 {
	set := map[int64]bool{full.Victim.ShipTypeID: true}
	for _, a := range full.Attackers {
		if a.ShipTypeID != nil {
			set[*a.ShipTypeID] = true
		}
		if a.WeaponTypeID != nil {
			set[*a.WeaponTypeID] = true
		}
	}
	for _, it := range full.Items {
		set[it.ItemTypeID] = true
	}

	ids := make([]int64, 0, len(set))
	for id := range set {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// collectStatsEntities lists the (entity, kind, side) tuples a killmail
// touches for the stats aggregator.
func collectStatsEntities(full *models.Full) []StatsEntity {
	seen := map[string]bool{}
	var entities []StatsEntity

	add := func(id *int64, kind string, isVictim bool) {
		if id == nil || *id <= 0 {
			return
		}
		key := fmt.Sprintf("%s:%d:%t", kind, *id, isVictim)
		if seen[key] {
			return
		}
		seen[key] = true
		entities = append(entities, StatsEntity{EntityID: *id, EntityKind: kind, IsVictim: isVictim})
	}

	v := full.Victim
	add(v.CharacterID, "character", true)
	add(v.CorporationID, "corporation", true)
	add(v.AllianceID, "alliance", true)
	add(v.FactionID, "faction", true)
	add(&v.ShipTypeID, "type", true)

	for _, a := range full.Attackers {
		add(a.CharacterID, "character", false)
		add(a.CorporationID, "corporation", false)
		add(a.AllianceID, "alliance", false)
		add(a.FactionID, "faction", false)
		add(a.ShipTypeID, "type", false)
	}
	return entities
}
