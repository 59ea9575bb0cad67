// Package intake orchestrates referral intake: identity lookup,
// workflow selection, dynamic form preparation, reconciliation and
// the final submit to the external record system.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carebridge/intake-engine/internal/caseconfig"
	"github.com/carebridge/intake-engine/internal/domain/referral"
	"github.com/carebridge/intake-engine/internal/external"
	"github.com/carebridge/intake-engine/internal/fieldrules"
	"github.com/carebridge/intake-engine/internal/observability/metrics"
	"github.com/carebridge/intake-engine/internal/reconcile"
)

// ErrDecisionRequired indicates the referral is parked on an
// ask-user flow and cannot be submitted until a human picks a
// workflow.
var ErrDecisionRequired = errors.New("flow decision required before submit")

// EventSink persists intake domain events for later relay.
type EventSink interface {
	Append(ctx context.Context, ev *referral.Event) error
}

// Lookuper is the lookup boundary the service consumes. The
// dispatcher's stale-response suppression sits behind it.
type Lookuper interface {
	Lookup(ctx context.Context, referralID string, req external.LookupRequest) (*referral.ExternalRecord, error)
}

// Submitter creates and updates records in the external system. It is
// the out-of-process side of intake; everything before it is pure.
type Submitter interface {
	CreateRecord(ctx context.Context, r *referral.Referral, fields map[string]string) (mrn string, err error)
	CreateCase(ctx context.Context, mrn string, r *referral.Referral, values fieldrules.Values) (episodeID string, err error)
	UpdateRecord(ctx context.Context, mrn string, fields map[string]string) error
}

// Intake is the working state of one referral moving through intake.
type Intake struct {
	Referral    *referral.Referral       `json:"referral"`
	Config      caseconfig.CaseConfig    `json:"config"`
	Flow        referral.Flow            `json:"flow"`
	Match       *referral.ExternalRecord `json:"match,omitempty"`
	Values      fieldrules.Values        `json:"values"`
	Form        []fieldrules.Group       `json:"form"`
	Differences []reconcile.Difference   `json:"differences,omitempty"`
	Selected    map[string]bool          `json:"selected,omitempty"`
}

// Service wires the intake pipeline together.
type Service struct {
	registry  *caseconfig.Registry
	lookups   Lookuper
	submitter Submitter
	events    EventSink
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewService creates the intake service. metrics may be nil.
func NewService(registry *caseconfig.Registry, lookups Lookuper, submitter Submitter, events EventSink, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry:  registry,
		lookups:   lookups,
		submitter: submitter,
		events:    events,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("intake"),
	}
}

// Prepare runs the decision half of intake: lookup, flow selection,
// form seeding and reconciliation. It is re-run from scratch whenever
// the lookup result changes; nothing carries over between runs.
func (s *Service) Prepare(ctx context.Context, r *referral.Referral) (*Intake, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "intake_prepare",
		trace.WithAttributes(
			attribute.String("referral_id", r.ID),
			attribute.String("org_id", r.OrgID),
			attribute.String("channel", string(r.Channel)),
		))
	defer span.End()

	if !r.Channel.Valid() {
		return nil, fmt.Errorf("unknown source channel %q", r.Channel)
	}

	if s.metrics != nil {
		s.metrics.ReferralsReceived.WithLabelValues(string(r.Channel)).Inc()
	}
	s.emit(ctx, r, referral.EventReferralReceived, referral.ReferralReceivedData{
		ReferralID: r.ID,
		OrgID:      r.OrgID,
		Channel:    r.Channel,
		ReceivedAt: r.ReceivedAt,
	})

	lookupStart := time.Now()
	match, err := s.lookups.Lookup(ctx, r.ID, external.RequestFor(r))
	if err != nil {
		if errors.Is(err, external.ErrStaleLookup) && s.metrics != nil {
			s.metrics.LookupsSuppressed.Inc()
		}
		span.RecordError(err)
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.LookupDuration.Observe(time.Since(lookupStart).Seconds())
	}

	hasPrescription := r.Prescription.IsComplete()
	flow := referral.SelectFlow(match, hasPrescription, r.Channel)
	span.SetAttributes(attribute.String("flow", string(flow)))

	if s.metrics != nil {
		s.metrics.FlowsSelected.WithLabelValues(string(flow)).Inc()
		if flow == referral.FlowAskUser {
			s.metrics.ReferralsHeld.Inc()
		}
	}

	matchedMRN := ""
	if match != nil {
		matchedMRN = match.MRN
	}
	s.emit(ctx, r, referral.EventFlowSelected, referral.FlowSelectedData{
		ReferralID:      r.ID,
		Flow:            flow,
		MatchedMRN:      matchedMRN,
		HasPrescription: hasPrescription,
	})
	if flow == referral.FlowAskUser {
		s.emit(ctx, r, referral.EventReferralHeld, referral.ReferralHeldData{
			ReferralID: r.ID,
			Reason:     "ambiguous web lead without prescription",
		})
	}

	cfg := s.registry.Get(r.OrgID)

	source := SourceRecord(r)
	values := fieldrules.Values{}
	fieldrules.Seed(cfg.CustomPersonFields, values, source)
	fieldrules.Seed(cfg.CustomCaseFields, values, source)

	it := &Intake{
		Referral: r,
		Config:   cfg,
		Flow:     flow,
		Match:    match,
		Values:   values,
	}
	it.Form = visibleForm(cfg, values)

	if match != nil {
		it.Differences = reconcile.Diff(match.ContactView(), r.Patient.ContactView())
		it.Selected = reconcile.DefaultSelection(it.Differences)
		if s.metrics != nil {
			s.metrics.DifferencesEmitted.Add(float64(len(it.Differences)))
			s.metrics.DifferencesPreselected.Add(float64(len(it.Selected)))
		}
	}

	if s.metrics != nil {
		s.metrics.IntakeDuration.Observe(time.Since(start).Seconds())
	}

	s.logger.Info("referral prepared",
		zap.String("referral_id", r.ID),
		zap.String("org_id", r.OrgID),
		zap.String("flow", string(flow)),
		zap.Bool("matched", match != nil),
		zap.Int("differences", len(it.Differences)))

	return it, nil
}

// RefreshForm re-evaluates field visibility after a value edit. Rules
// reference values only, so a single pass suffices.
func (s *Service) RefreshForm(it *Intake) {
	it.Form = visibleForm(it.Config, it.Values)
}

// ResolveAskUser applies the human's workflow choice to a held
// referral. Only record-only and record-and-case are valid choices.
func (s *Service) ResolveAskUser(ctx context.Context, it *Intake, choice referral.Flow) error {
	if it.Flow != referral.FlowAskUser {
		return fmt.Errorf("referral %s is not awaiting a decision", it.Referral.ID)
	}
	if choice != referral.FlowCreateRecordOnly && choice != referral.FlowCreateRecordAndCase {
		return fmt.Errorf("invalid flow choice %q", choice)
	}

	it.Flow = choice
	if s.metrics != nil {
		s.metrics.ReferralsHeld.Dec()
	}
	s.emit(ctx, it.Referral, referral.EventFlowSelected, referral.FlowSelectedData{
		ReferralID:      it.Referral.ID,
		Flow:            choice,
		HasPrescription: it.Referral.Prescription.IsComplete(),
	})
	return nil
}

// Submit finishes intake for a prepared referral. selected is the
// reviewed merge selection; userID identifies the submitting user for
// the audit trail.
func (s *Service) Submit(ctx context.Context, it *Intake, selected map[string]bool, userID string) (*referral.IntakeResult, error) {
	ctx, span := s.tracer.Start(ctx, "intake_submit",
		trace.WithAttributes(
			attribute.String("referral_id", it.Referral.ID),
			attribute.String("flow", string(it.Flow)),
		))
	defer span.End()

	if it.Flow == referral.FlowAskUser {
		return nil, ErrDecisionRequired
	}

	if it.Match != nil {
		if err := reconcile.ConfirmMerge(it.Differences, selected); err != nil {
			if s.metrics != nil {
				s.metrics.MergesRejected.Inc()
			}
			span.RecordError(err)
			return nil, err
		}
	}

	switch it.Flow {
	case referral.FlowCreateRecordOnly:
		return s.createRecordOnly(ctx, it)
	case referral.FlowCreateRecordAndCase:
		return s.createRecordAndCase(ctx, it)
	case referral.FlowCreateCaseOnly:
		return s.createCaseOnly(ctx, it, selected, userID)
	default:
		return nil, fmt.Errorf("unknown flow %q", it.Flow)
	}
}

func (s *Service) createRecordOnly(ctx context.Context, it *Intake) (*referral.IntakeResult, error) {
	mrn, err := s.submitter.CreateRecord(ctx, it.Referral, SubmissionFields(it.Config, it.Referral))
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	s.emit(ctx, it.Referral, referral.EventRecordCreated, referral.RecordCreatedData{
		ReferralID: it.Referral.ID,
		PatientMRN: mrn,
		CreatedAt:  time.Now().UTC(),
	})
	return &referral.IntakeResult{PatientMRN: mrn, IsNewPatient: true}, nil
}

func (s *Service) createRecordAndCase(ctx context.Context, it *Intake) (*referral.IntakeResult, error) {
	res, err := s.createRecordOnly(ctx, it)
	if err != nil {
		return nil, err
	}

	episodeID, err := s.submitter.CreateCase(ctx, res.PatientMRN, it.Referral, it.Values)
	if err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}
	s.emit(ctx, it.Referral, referral.EventCaseCreated, referral.CaseCreatedData{
		ReferralID: it.Referral.ID,
		PatientMRN: res.PatientMRN,
		EpisodeID:  episodeID,
		CreatedAt:  time.Now().UTC(),
	})

	res.EpisodeID = episodeID
	return res, nil
}

func (s *Service) createCaseOnly(ctx context.Context, it *Intake, selected map[string]bool, userID string) (*referral.IntakeResult, error) {
	mrn := it.Match.MRN

	if merge := s.mergeFields(it, selected); len(merge) > 0 {
		if err := s.submitter.UpdateRecord(ctx, mrn, merge); err != nil {
			return nil, fmt.Errorf("apply merge: %w", err)
		}
		fields := make([]string, 0, len(selected))
		for _, d := range it.Differences {
			if selected[d.Field] {
				fields = append(fields, d.Field)
			}
		}
		s.emit(ctx, it.Referral, referral.EventMergeApplied, referral.MergeAppliedData{
			ReferralID: it.Referral.ID,
			PatientMRN: mrn,
			Fields:     fields,
			AppliedBy:  userID,
			AppliedAt:  time.Now().UTC(),
		})
	}

	episodeID, err := s.submitter.CreateCase(ctx, mrn, it.Referral, it.Values)
	if err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}
	s.emit(ctx, it.Referral, referral.EventCaseCreated, referral.CaseCreatedData{
		ReferralID: it.Referral.ID,
		PatientMRN: mrn,
		EpisodeID:  episodeID,
		CreatedAt:  time.Now().UTC(),
	})

	return &referral.IntakeResult{PatientMRN: mrn, EpisodeID: episodeID, IsNewPatient: false}, nil
}

// mergeFields maps the selected differences to external field names
// via the organization's mapping table; an unmapped attribute falls
// back to its internal name.
func (s *Service) mergeFields(it *Intake, selected map[string]bool) map[string]string {
	merge := make(map[string]string)
	for _, d := range it.Differences {
		if !selected[d.Field] {
			continue
		}
		name := d.Field
		if mapped, ok := it.Config.FieldMappings["patient."+d.Field]; ok {
			name = mapped
		}
		merge[name] = d.ValueB
	}
	return merge
}

func (s *Service) emit(ctx context.Context, r *referral.Referral, eventType referral.EventType, data interface{}) {
	if s.events == nil {
		return
	}
	ev, err := referral.NewEvent(r.ID, eventType, data)
	if err != nil {
		s.logger.Error("event marshal failed", zap.String("event_type", string(eventType)), zap.Error(err))
		return
	}
	ev.WithAuditInfo(r.OrgID, r.Channel)
	if err := s.events.Append(ctx, ev); err != nil {
		s.logger.Error("event append failed", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

func visibleForm(cfg caseconfig.CaseConfig, values fieldrules.Values) []fieldrules.Group {
	var visible []fieldrules.Definition
	for _, def := range cfg.CustomPersonFields {
		if fieldrules.ShouldShow(def, values) {
			visible = append(visible, def)
		}
	}
	for _, def := range cfg.CustomCaseFields {
		if fieldrules.ShouldShow(def, values) {
			visible = append(visible, def)
		}
	}
	return fieldrules.GroupAndOrder(visible)
}
