package sharing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-data/lakeshare/internal/shares"
)

// ItemOutcome is the per-item result of one orchestration run.
type ItemOutcome struct {
	ShareItemID string
	ItemID      string
	Name        string
	Kind        shares.ShareableKind
	Succeeded   bool
	Message     string
}

// RunReport is the itemized result of one dispatched run. Succeeded is the
// AND of every item outcome; a partial failure still carries the full list.
type RunReport struct {
	Succeeded bool
	Items     []ItemOutcome
}

func (r *RunReport) add(outcomes []ItemOutcome) {
	for _, o := range outcomes {
		if !o.Succeeded {
			r.Succeeded = false
		}
	}
	r.Items = append(r.Items, outcomes...)
}

// Orchestrator performs the grant, revoke or verify sequence for items of
// one shareable kind. Implementations never return errors past this
// boundary: every external failure is converted into item state transitions
// and failure outcomes.
type Orchestrator interface {
	Grant(ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem) []ItemOutcome
	Revoke(ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem) []ItemOutcome
	Verify(ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem) []ItemOutcome
}

// ItemStore is the persistence surface the orchestrators need: lifecycle
// status updates, the health write path, and the cross-share aggregate
// queries driving revoke teardown decisions.
type ItemStore interface {
	UpdateItemStatus(ctx context.Context, itemID string, status shares.ShareItemStatus) error
	UpdateItemHealth(ctx context.Context, itemID string, health shares.HealthStatus, message string, at time.Time) error
	OtherSharesReferenceItem(ctx context.Context, targetEnvID, itemID, excludeShareItemID string) (bool, error)
	CountSharedItems(ctx context.Context, shareID string, kind shares.ShareableKind) (int, error)
}

// Dispatcher routes share items to the orchestrator registered for their
// kind. The orchestrator map is injected at construction so tests can build
// isolated instances; there is no process-wide registry.
type Dispatcher struct {
	orchestrators map[shares.ShareableKind]Orchestrator
	logger        *slog.Logger
}

// NewDispatcher constructs a Dispatcher over the given orchestrator map.
func NewDispatcher(orchestrators map[shares.ShareableKind]Orchestrator, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{orchestrators: orchestrators, logger: logger}
}

type runFn func(o Orchestrator, ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem) []ItemOutcome

// Grant runs the approve sequence for every item, partitioned by kind.
func (d *Dispatcher) Grant(ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem) RunReport {
	return d.run(ctx, "grant", data, items, Orchestrator.Grant)
}

// Revoke runs the revoke sequence for every item, partitioned by kind.
func (d *Dispatcher) Revoke(ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem) RunReport {
	return d.run(ctx, "revoke", data, items, Orchestrator.Revoke)
}

// Verify runs the read-only verification sequence for every item.
func (d *Dispatcher) Verify(ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem) RunReport {
	return d.run(ctx, "verify", data, items, Orchestrator.Verify)
}

// run partitions items by kind and invokes fn on each partition's
// orchestrator. No partition is skipped because an earlier one failed; the
// report aggregates with AND semantics.
func (d *Dispatcher) run(ctx context.Context, op string, data shares.ShareData, items []shares.ShareObjectItem, fn runFn) RunReport {
	report := RunReport{Succeeded: true}
	byKind := map[shares.ShareableKind][]shares.ShareObjectItem{}
	var order []shares.ShareableKind
	for _, it := range items {
		if _, seen := byKind[it.Kind]; !seen {
			order = append(order, it.Kind)
		}
		byKind[it.Kind] = append(byKind[it.Kind], it)
	}
	for _, kind := range order {
		partition := byKind[kind]
		o, ok := d.orchestrators[kind]
		if !ok {
			d.logger.Error("no orchestrator registered",
				slog.String("kind", string(kind)), slog.String("share_id", data.Share.ID))
			report.add(failAll(partition, fmt.Sprintf("no orchestrator registered for kind %s", kind)))
			continue
		}
		d.logger.Info("dispatching share run",
			slog.String("op", op),
			slog.String("share_id", data.Share.ID),
			slog.String("kind", string(kind)),
			slog.Int("items", len(partition)),
		)
		report.add(fn(o, ctx, data, partition))
	}
	return report
}

func failAll(items []shares.ShareObjectItem, message string) []ItemOutcome {
	out := make([]ItemOutcome, 0, len(items))
	for _, it := range items {
		out = append(out, ItemOutcome{
			ShareItemID: it.ID, ItemID: it.ItemID, Name: it.Name, Kind: it.Kind,
			Succeeded: false, Message: message,
		})
	}
	return out
}

func succeedOutcome(it shares.ShareObjectItem) ItemOutcome {
	return ItemOutcome{ShareItemID: it.ID, ItemID: it.ItemID, Name: it.Name, Kind: it.Kind, Succeeded: true}
}

func failOutcome(it shares.ShareObjectItem, err error) ItemOutcome {
	return ItemOutcome{ShareItemID: it.ID, ItemID: it.ItemID, Name: it.Name, Kind: it.Kind, Succeeded: false, Message: err.Error()}
}
