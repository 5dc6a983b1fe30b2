package prescription

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/apperr"
)

// Stage is the position of a Session in the prescribing flow.
type Stage string

const (
	StageSearch     Stage = "search"
	StageDetails    Stage = "details"
	StageList       Stage = "list"
	StageSubmitting Stage = "submitting"
	StageSubmitted  Stage = "submitted"
)

// SafetyChecker reports warnings for a medication given by NDC or name.
type SafetyChecker interface {
	CheckSafety(ctx context.Context, patientID uuid.UUID, medication string) ([]SafetyWarning, error)
}

// Submitter creates the prescriptions of a finished session.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitReport, error)
}

// Item is a medication being prescribed in a session.
type Item struct {
	Medication    *Medication     `json:"medication"`
	Input         ItemInput       `json:"input"`
	Warnings      []SafetyWarning `json:"warnings"`
	SafetyChecked bool            `json:"safety_checked"`
	SafetyError   string          `json:"safety_error,omitempty"`
}

func (it *Item) snapshot() Item {
	cp := *it
	cp.Warnings = append([]SafetyWarning{}, it.Warnings...)
	return cp
}

// Details are the fields entered for the selected medication.
type Details struct {
	Dosage       string  `json:"dosage"`
	Frequency    string  `json:"frequency"`
	Duration     string  `json:"duration"`
	Quantity     *int    `json:"quantity,omitempty"`
	Refills      int     `json:"refills"`
	Instructions *string `json:"instructions,omitempty"`
}

// Session walks one patient's prescriptions through search, select, detail
// entry and the staged list until they are submitted. Select starts a
// safety check in the background; its warnings land on the item when they
// arrive and never hold up Add.
type Session struct {
	ID          uuid.UUID
	Practice    string
	PatientID   uuid.UUID
	ProviderID  *uuid.UUID
	PharmacyID  *uuid.UUID
	DiagnosisID *uuid.UUID

	mu       sync.Mutex
	stage    Stage
	pending  *Item
	items    []*Item
	touched  time.Time
	report   *SubmitReport
	checker  SafetyChecker
	logger   zerolog.Logger
	checks   sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewSession starts a session. Background checks run on ctx, which should
// outlive the request that created the session.
func NewSession(ctx context.Context, patientID uuid.UUID, checker SafetyChecker, logger zerolog.Logger) *Session {
	bgCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ID:        uuid.New(),
		PatientID: patientID,
		stage:     StageSearch,
		touched:   time.Now(),
		checker:   checker,
		logger:    logger,
		bgCtx:     bgCtx,
		bgCancel:  cancel,
	}
}

func (s *Session) touchLocked() { s.touched = time.Now() }

// frozenLocked rejects changes once a submit has started.
func (s *Session) frozenLocked() error {
	switch s.stage {
	case StageSubmitting:
		return apperr.Validation("session", "session is being submitted")
	case StageSubmitted:
		return apperr.Validation("session", "session was already submitted")
	}
	return nil
}

func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Select makes med the pending item, replacing any earlier selection that
// was not added.
func (s *Session) Select(med *Medication) error {
	if med == nil || strings.TrimSpace(med.Name) == "" {
		return apperr.Validation("medication", "a medication must be selected")
	}

	s.mu.Lock()
	if err := s.frozenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	item := &Item{
		Medication: med,
		Input:      ItemInput{MedicationName: med.Name, NDCCode: med.NDCCode},
		Warnings:   []SafetyWarning{},
	}
	s.pending = item
	s.stage = StageDetails
	s.touchLocked()
	s.mu.Unlock()

	if s.checker == nil {
		return nil
	}
	s.checks.Add(1)
	go s.runCheck(item, med.Key())
	return nil
}

func (s *Session) runCheck(item *Item, key string) {
	defer s.checks.Done()

	warnings, err := s.checker.CheckSafety(s.bgCtx, s.PatientID, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	item.SafetyChecked = true
	if err != nil {
		s.logger.Warn().Err(err).Str("patient_id", s.PatientID.String()).Str("medication", key).Msg("safety check failed")
		item.SafetyError = "safety check unavailable"
		return
	}
	item.Warnings = append(item.Warnings, warnings...)
}

// SetDetails records dosage fields on the pending item. Without an explicit
// quantity it is derived from the frequency when the duration contains a
// number.
func (s *Session) SetDetails(d Details) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.frozenLocked(); err != nil {
		return err
	}
	if s.pending == nil {
		return apperr.Validation("medication", "select a medication first")
	}

	in := &s.pending.Input
	in.Dosage = strings.TrimSpace(d.Dosage)
	in.Frequency = strings.TrimSpace(d.Frequency)
	in.Duration = strings.TrimSpace(d.Duration)
	in.Refills = d.Refills
	in.Instructions = d.Instructions

	if d.Quantity != nil {
		in.Quantity = d.Quantity
	} else {
		current := 0
		if in.Quantity != nil {
			current = *in.Quantity
		}
		if q := AutoQuantity(in.Frequency, in.Duration, current); in.Quantity != nil || q != current {
			in.Quantity = &q
		}
	}
	s.touchLocked()
	return nil
}

// Add moves the pending item onto the list.
func (s *Session) Add() (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.frozenLocked(); err != nil {
		return Item{}, err
	}
	if s.pending == nil {
		return Item{}, apperr.Validation("medication", "select a medication first")
	}

	in := s.pending.Input
	switch {
	case in.Dosage == "":
		return Item{}, apperr.Validation("dosage", "dosage is required")
	case in.Frequency == "":
		return Item{}, apperr.Validation("frequency", "frequency is required")
	case in.Duration == "":
		return Item{}, apperr.Validation("duration", "duration is required")
	}

	s.items = append(s.items, s.pending)
	added := s.pending.snapshot()
	s.pending = nil
	s.stage = StageList
	s.touchLocked()
	return added, nil
}

// Remove drops the listed item at index.
func (s *Session) Remove(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.frozenLocked(); err != nil {
		return err
	}
	if index < 0 || index >= len(s.items) {
		return apperr.NotFound("session item")
	}
	s.items = append(s.items[:index:index], s.items[index+1:]...)
	if len(s.items) == 0 && s.pending == nil {
		s.stage = StageSearch
	}
	s.touchLocked()
	return nil
}

// Pending returns the selected item that has not been added yet.
func (s *Session) Pending() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Item{}, false
	}
	return s.pending.snapshot(), true
}

// Items returns a copy of the staged list.
func (s *Session) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.items))
	for i, it := range s.items {
		out[i] = it.snapshot()
	}
	return out
}

// Wait blocks until every safety check started so far has finished.
func (s *Session) Wait() { s.checks.Wait() }

// Submit hands the staged list to sub. A session can be submitted once; a
// failed submit returns it to the stage it was in.
func (s *Session) Submit(ctx context.Context, sub Submitter) (*SubmitReport, error) {
	s.mu.Lock()
	if err := s.frozenLocked(); err != nil {
		report := s.report
		s.mu.Unlock()
		return report, err
	}
	if len(s.items) == 0 {
		s.mu.Unlock()
		return nil, apperr.Validation("items", "add at least one medication before submitting")
	}
	req := SubmitRequest{
		PatientID:   s.PatientID,
		ProviderID:  s.ProviderID,
		PharmacyID:  s.PharmacyID,
		DiagnosisID: s.DiagnosisID,
		Items:       make([]ItemInput, len(s.items)),
	}
	for i, it := range s.items {
		req.Items[i] = it.Input
	}
	prev := s.stage
	s.stage = StageSubmitting
	s.mu.Unlock()

	report, err := sub.Submit(ctx, req)
	if err != nil {
		s.mu.Lock()
		s.stage = prev
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.stage = StageSubmitted
	s.report = report
	s.touchLocked()
	s.mu.Unlock()
	return report, nil
}

// Close cancels outstanding safety checks.
func (s *Session) Close() { s.bgCancel() }

// View is the JSON form of a session.
type View struct {
	ID          uuid.UUID     `json:"id"`
	PatientID   uuid.UUID     `json:"patient_id"`
	ProviderID  *uuid.UUID    `json:"provider_id,omitempty"`
	PharmacyID  *uuid.UUID    `json:"pharmacy_id,omitempty"`
	DiagnosisID *uuid.UUID    `json:"diagnosis_id,omitempty"`
	Stage       Stage         `json:"stage"`
	Pending     *Item         `json:"pending,omitempty"`
	Items       []Item        `json:"items"`
	Report      *SubmitReport `json:"report,omitempty"`
}

func (s *Session) View() View {
	v := View{
		ID:          s.ID,
		PatientID:   s.PatientID,
		ProviderID:  s.ProviderID,
		PharmacyID:  s.PharmacyID,
		DiagnosisID: s.DiagnosisID,
		Items:       s.Items(),
	}
	if p, ok := s.Pending(); ok {
		v.Pending = &p
	}
	s.mu.Lock()
	v.Stage = s.stage
	v.Report = s.report
	s.mu.Unlock()
	return v
}

// SessionStore keeps open sessions in memory and drops those idle for
// longer than ttl.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	ttl      time.Duration
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SessionStore{sessions: make(map[uuid.UUID]*Session), ttl: ttl}
}

func (st *SessionStore) Put(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.ID] = s
}

// Get returns the session only to the practice that opened it.
func (st *SessionStore) Get(practice string, id uuid.UUID) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || s.Practice != practice {
		return nil, apperr.NotFound("ePrescribe session")
	}
	return s, nil
}

func (st *SessionStore) Delete(practice string, id uuid.UUID) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok && s.Practice != practice {
		ok = false
	}
	if ok {
		delete(st.sessions, id)
	}
	st.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Sweep closes sessions idle since before now minus ttl and returns how
// many were dropped.
func (st *SessionStore) Sweep(now time.Time) int {
	cutoff := now.Add(-st.ttl)
	var expired []*Session

	st.mu.Lock()
	for id, s := range st.sessions {
		s.mu.Lock()
		idle := s.touched.Before(cutoff)
		s.mu.Unlock()
		if idle {
			expired = append(expired, s)
			delete(st.sessions, id)
		}
	}
	st.mu.Unlock()

	for _, s := range expired {
		s.Close()
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (st *SessionStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			st.Sweep(now)
		}
	}
}
