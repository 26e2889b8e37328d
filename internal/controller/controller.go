// Package controller drives one widget instance: it accepts questions, hands
// them to the query service and turns the answers into conversation messages.
//
// The input control moves between two states:
//
//	Idle --Submit(question)--> Submitting --Resolve(outcome)--> Idle
//
// Submit is only permitted from Idle with a non-blank question, so at most one
// question is in flight and messages appear in submission order. Every
// outcome, including transport failures, leads back to Idle.
package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/comigor/crm-query-widget/internal/conversation"
	"github.com/comigor/crm-query-widget/internal/journal"
	"github.com/comigor/crm-query-widget/internal/logger"
	"github.com/comigor/crm-query-widget/internal/query"
	"github.com/comigor/crm-query-widget/internal/render"
)

// State of the input control.
type State string

const (
	StateIdle       State = "Idle"
	StateSubmitting State = "Submitting"
)

// Trigger moves the input control between states.
type Trigger string

const (
	TriggerSubmit  Trigger = "Submit"
	TriggerResolve Trigger = "Resolve"
)

// CommitKey submits the current input when pressed.
const CommitKey = "Enter"

var (
	// ErrEmptyQuestion is returned for blank input. Nothing is shown and no
	// request is made.
	ErrEmptyQuestion = errors.New("question is empty")
	// ErrBusy is returned when a question is already in flight.
	ErrBusy = errors.New("a question is already in flight")
	// ErrIgnoredKey is returned by KeyPress for keys other than CommitKey.
	ErrIgnoredKey = errors.New("key does not submit")
)

// View reflects the input control. InputCleared empties the text field and
// InputEnabled toggles the submit affordance.
type View interface {
	InputCleared()
	InputEnabled(enabled bool)
}

// Recorder receives one entry per resolved question.
type Recorder interface {
	Record(e journal.Entry)
}

type nopView struct{}

func (nopView) InputCleared()     {}
func (nopView) InputEnabled(bool) {}

type nopRecorder struct{}

func (nopRecorder) Record(journal.Entry) {}

// outcome is what the query service produced for one submission.
type outcome struct {
	result   query.Result
	err      error
	duration time.Duration
}

// messageLog is the part of the conversation the state machine writes to.
type messageLog interface {
	Append(role conversation.Role, content string) (string, error)
	Remove(id string)
}

// Controller is the interaction controller of one widget instance.
type Controller struct {
	id      string
	store   *conversation.Store
	log     messageLog
	asker   query.Asker
	view    View
	rec     Recorder
	timeout time.Duration

	mu        sync.Mutex
	fsm       *stateless.StateMachine
	question  string
	loadingID string
	inflight  sync.WaitGroup
}

// Option customizes a Controller.
type Option func(*Controller)

// WithID tags journal entries and log lines with an instance id.
func WithID(id string) Option {
	return func(c *Controller) { c.id = id }
}

// WithView mirrors input state changes to v.
func WithView(v View) Option {
	return func(c *Controller) {
		if v != nil {
			c.view = v
		}
	}
}

// WithRecorder journals every resolved question.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.rec = r
		}
	}
}

// WithTimeout bounds each question. Zero, the default, means no bound: a
// slow service keeps the controller Submitting until it answers.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// New creates a controller that writes to store and asks asker.
func New(store *conversation.Store, asker query.Asker, opts ...Option) *Controller {
	c := &Controller{
		store: store,
		log:   store,
		asker: asker,
		view:  nopView{},
		rec:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.fsm = c.newStateMachine()
	return c
}

func (c *Controller) newStateMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateIdle)

	fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, _ stateless.Trigger, _ []string) error {
		if state == StateSubmitting {
			return ErrBusy
		}
		return ErrEmptyQuestion
	})

	// State: Idle
	// Submit is guarded by a non-blank question.
	fsm.Configure(StateIdle).
		Permit(TriggerSubmit, StateSubmitting, func(_ context.Context, args ...any) bool {
			return len(args) > 0 && strings.TrimSpace(argString(args[0])) != ""
		}).
		OnEntryFrom(TriggerResolve, func(ctx context.Context, args ...any) error {
			o, _ := args[0].(outcome)
			c.resolveEntry(o)
			return nil
		})

	// State: Submitting
	// Show the question and the loading placeholder, lock the input.
	// Append failures are logged only; the question is asked regardless so
	// the resolve transition always brings the input back.
	fsm.Configure(StateSubmitting).
		OnEntryFrom(TriggerSubmit, func(ctx context.Context, args ...any) error {
			c.question = argString(args[0])
			c.view.InputCleared()
			c.append(conversation.RoleUser, render.Question(c.question))
			c.loadingID = c.append(conversation.RoleAssistant, render.Loading())
			c.view.InputEnabled(false)
			return nil
		}).
		Permit(TriggerResolve, StateIdle)

	return fsm
}

func argString(arg any) string {
	s, _ := arg.(string)
	return s
}

// Submit asks question on behalf of the user. It returns ErrEmptyQuestion for
// blank input and ErrBusy while another question is in flight; neither has
// any visible effect. Otherwise the question is shown immediately and the
// answer is appended once the service responds.
func (c *Controller) Submit(ctx context.Context, question string) error {
	question = strings.TrimSpace(question)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fsm.FireCtx(ctx, TriggerSubmit, question); err != nil {
		if errors.Is(err, ErrEmptyQuestion) || errors.Is(err, ErrBusy) {
			return err
		}
		logger.L.Error("submit transition failed", "instance", c.id, "error", err)
		if c.state() != StateSubmitting {
			return err
		}
	}

	c.inflight.Add(1)
	go c.ask(context.WithoutCancel(ctx), question)
	return nil
}

// KeyPress funnels the commit key into Submit with the current input text.
func (c *Controller) KeyPress(ctx context.Context, key, text string) error {
	if key != CommitKey {
		return ErrIgnoredKey
	}
	return c.Submit(ctx, text)
}

func (c *Controller) ask(ctx context.Context, question string) {
	defer c.inflight.Done()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := c.asker.Ask(ctx, question)
	if err != nil {
		var connErr *query.ConnectionError
		if !errors.As(err, &connErr) {
			err = &query.ConnectionError{Err: err}
		}
	}
	c.resolve(ctx, outcome{result: res, err: err, duration: time.Since(start)})
}

func (c *Controller) resolve(ctx context.Context, o outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fsm.FireCtx(ctx, TriggerResolve, o); err != nil {
		logger.L.Error("resolve transition failed", "instance", c.id, "error", err)
	}
}

// resolveEntry replaces the loading placeholder with the outcome and always
// re-enables the input.
func (c *Controller) resolveEntry(o outcome) {
	defer c.view.InputEnabled(true)

	if c.loadingID != "" {
		c.log.Remove(c.loadingID)
	}
	c.loadingID = ""

	entry := journal.Entry{
		InstanceID: c.id,
		Question:   c.question,
		SQL:        o.result.SQL,
		Duration:   o.duration,
	}

	switch {
	case o.err != nil:
		entry.Outcome = journal.OutcomeConnectionError
		entry.Error = query.Cause(o.err)
		c.append(conversation.RoleError, render.ConnectionError(o.err))
		logger.L.Warn("query service unreachable", "instance", c.id, "error", o.err)
	case o.result.Failed():
		entry.Outcome = journal.OutcomeServiceError
		entry.Error = o.result.Error
		c.append(conversation.RoleError, render.ServiceError(o.result.Error))
		if o.result.HasSQL {
			c.append(conversation.RoleAssistant, render.SQL(o.result.SQL))
		}
		logger.L.Info("query service declined", "instance", c.id, "error", o.result.Error)
	default:
		entry.Outcome = journal.OutcomeAnswered
		entry.RowCount = len(o.result.Rows)
		c.append(conversation.RoleAssistant, render.Answer(o.result))
		logger.L.Debug("question answered", "instance", c.id, "rows", len(o.result.Rows), "duration", o.duration)
	}

	c.question = ""
	c.rec.Record(entry)
}

func (c *Controller) append(role conversation.Role, content string) string {
	id, err := c.log.Append(role, content)
	if err != nil {
		logger.L.Error("append failed", "instance", c.id, "role", role, "error", err)
	}
	return id
}

// State returns the current state of the input control.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state()
}

func (c *Controller) state() State {
	s, _ := c.fsm.MustState().(State)
	return s
}

// Observe calls fn with a consistent view of the conversation and input
// state. No message is appended or removed while fn runs.
func (c *Controller) Observe(fn func(msgs []conversation.Message, state State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.store.Messages(), c.state())
}

// Store returns the conversation owned by this controller.
func (c *Controller) Store() *conversation.Store {
	return c.store
}

// Wait blocks until the question in flight, if any, has been resolved.
func (c *Controller) Wait() {
	c.inflight.Wait()
}
