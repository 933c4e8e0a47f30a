package workorder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/workorder/internal/condition"
	"github.com/pitabwire/workorder/internal/definition"
	"github.com/pitabwire/workorder/internal/events"
	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	overdueBatch     = 100
	publishTimeout   = 5 * time.Second
)

// CreateRequest holds the caller supplied fields of a new instance.
type CreateRequest struct {
	ProcessID string         `json:"process_id"`
	Title     string         `json:"title"`
	FormData  map[string]any `json:"form_data,omitempty"`
	Priority  int            `json:"priority"`
	Tags      []string       `json:"tags,omitempty"`
	DueDate   *time.Time     `json:"due_date,omitempty"`
}

// TransitionRequest asks for one action on an instance. ExpectedVersion 0
// skips the caller-side version check; the store CAS still applies.
type TransitionRequest struct {
	Action          model.Action `json:"action"`
	Comment         string       `json:"comment,omitempty"`
	AssigneeID      string       `json:"assignee_id,omitempty"`
	ExpectedVersion int          `json:"expected_version,omitempty"`
}

// UpdateRequest edits instance fields. Nil fields are left unchanged.
type UpdateRequest struct {
	Title           *string        `json:"title,omitempty"`
	FormData        map[string]any `json:"form_data,omitempty"`
	Priority        *int           `json:"priority,omitempty"`
	Tags            *[]string      `json:"tags,omitempty"`
	DueDate         *time.Time     `json:"due_date,omitempty"`
	ExpectedVersion int            `json:"expected_version,omitempty"`
}

// ReplayResult reports the step reached by re-applying an instance's flow
// log from the initial step.
type ReplayResult struct {
	InstanceID  string               `json:"instance_id"`
	Step        string               `json:"step"`
	Status      model.InstanceStatus `json:"status"`
	Transitions int                  `json:"transitions"`
	Consistent  bool                 `json:"consistent"`
}

// Engine applies the process graph to instances.
type Engine struct {
	registry  *definition.Registry
	store     InstanceStore
	directory model.IdentityResolver
	caps      model.CapabilityResolver
	publisher events.Publisher
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records transitions and events on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a new engine. directory, caps and publisher may be nil:
// rules that need the directory then fail with INVALID_STATE, nobody is an
// administrator and events are dropped.
func NewEngine(
	registry *definition.Registry,
	store InstanceStore,
	directory model.IdentityResolver,
	caps model.CapabilityResolver,
	publisher events.Publisher,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		registry:  registry,
		store:     store,
		directory: directory,
		caps:      caps,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create starts a new instance in the initial step of its process.
func (e *Engine) Create(ctx context.Context, rctx *model.RequestContext, req CreateRequest) (*model.WorkorderInstance, error) {
	if req.ProcessID == "" {
		return nil, model.NewBadRequestError("process_id is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, model.NewBadRequestError("title is required")
	}
	def, ok := e.registry.GetProcess(req.ProcessID)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("process %q not found", req.ProcessID))
	}

	now := e.now()
	initial := def.Initial()
	inst := &model.WorkorderInstance{
		ID:          uuid.New().String(),
		ProcessID:   def.ID,
		Namespace:   def.Namespace,
		Title:       req.Title,
		CurrentStep: initial,
		Status:      def.StatusOf(initial),
		FormData:    req.FormData,
		OperatorID:  rctx.SubjectID,
		Priority:    req.Priority,
		Tags:        req.Tags,
		DueDate:     req.DueDate,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	step, _ := def.Step(initial)
	assignee, err := e.resolveAssignee(ctx, step.AssigneeRule, inst)
	if err != nil {
		return nil, err
	}
	if assignee == "" {
		assignee = inst.OperatorID
	}
	inst.AssigneeID = assignee

	created := e.timeline(inst.ID, model.TimelineCreated, rctx.SubjectID,
		fmt.Sprintf("created in step %s", initial), "")
	if err := e.store.Create(ctx, inst, created); err != nil {
		return nil, err
	}

	e.metrics.RecordInstanceCreated(def.ID)
	e.logger.Info("workorder created",
		append(observability.InstanceFields(inst), zap.String("actor_id", rctx.SubjectID))...)
	if ce := e.logger.Check(zap.DebugLevel, "workorder form"); ce != nil {
		ce.Write(zap.String("instance_id", inst.ID), zap.Any("form_data", observability.RedactBody(inst.FormData)))
	}
	e.emit(ctx, model.EventInstanceCreated, inst, rctx.SubjectID, "", nil)
	return inst, nil
}

// Transition applies one action to an instance and returns the committed
// state.
func (e *Engine) Transition(ctx context.Context, rctx *model.RequestContext, instanceID string, req TransitionRequest) (_ *model.WorkorderInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workorder.transition",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrAction.String(string(req.Action)),
		observability.AttrSubjectID.String(rctx.SubjectID),
	)
	start := time.Now()
	processID := ""
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = model.ErrorCode(err)
			if outcome == "" {
				outcome = model.ErrInternalError
			}
		}
		e.metrics.RecordTransition(processID, string(req.Action), outcome, time.Since(start))
		observability.EndSpanWithError(span, err)
	}()

	// 1. Validate the action against the vocabulary.
	if !req.Action.Valid() {
		return nil, model.NewBadRequestError(fmt.Sprintf("unknown action %q", req.Action))
	}

	// 2. Load the instance and its process.
	inst, def, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	processID = def.ID
	if req.ExpectedVersion != 0 && req.ExpectedVersion != inst.Version {
		return nil, model.NewConflictError(fmt.Sprintf(
			"workorder %q version conflict (expected %d, got %d)", inst.ID, req.ExpectedVersion, inst.Version))
	}

	// 3. Terminal instances accept nothing.
	if inst.IsTerminal() {
		return nil, model.NewInvalidStateError(fmt.Sprintf("workorder %q is %s", inst.ID, inst.Status))
	}

	// 4. Permission.
	if err := e.authorize(rctx, def, inst, req.Action); err != nil {
		return nil, err
	}

	// 5. Resolve the target step.
	var (
		target string
		back   *model.FlowLogEntry
	)
	if req.Action == model.ActionReturn {
		back, err = e.backtrackEntry(ctx, inst)
		if err != nil {
			return nil, err
		}
		if back == nil {
			return nil, model.NewTransitionNotAvailableError(string(req.Action), inst.CurrentStep)
		}
		target = back.FromStep
	} else {
		step, _ := def.Step(inst.CurrentStep)
		tr, ok := step.Transition(req.Action)
		if !ok || !e.conditionHolds(tr, inst) {
			return nil, model.NewTransitionNotAvailableError(string(req.Action), inst.CurrentStep)
		}
		target = tr.Target
	}
	targetStep, ok := def.Step(target)
	if !ok {
		return nil, model.NewInvalidStateError(fmt.Sprintf("target step %q missing from process %q", target, def.ID))
	}

	// 6. Submitted form data must satisfy the form schema.
	if req.Action == model.ActionSubmit {
		if details := e.registry.FormSchema(def.ID).Validate(inst.FormData); len(details) > 0 {
			return nil, model.NewValidationError(details)
		}
	}

	// 7. Assignee for the target step.
	assignee, err := e.nextAssignee(ctx, req, inst, targetStep, back)
	if err != nil {
		return nil, err
	}

	// 8. Build the new state and commit it with its log entries.
	now := e.now()
	before := inst.Clone()
	next := inst.Clone()
	next.CurrentStep = target
	next.Status = targetStep.Status
	next.AssigneeID = assignee
	next.Version = inst.Version + 1
	next.UpdatedAt = now
	if targetStep.IsTerminal() {
		next.CompletedAt = &now
	}

	flow := &model.FlowLogEntry{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		FromStep:   inst.CurrentStep,
		ToStep:     target,
		Action:     req.Action,
		ActorID:    rctx.SubjectID,
		AssigneeID: assignee,
		Comment:    req.Comment,
		Timestamp:  now,
	}
	entry := e.timeline(inst.ID, model.TimelineTransition, rctx.SubjectID,
		fmt.Sprintf("%s: %s -> %s", req.Action, inst.CurrentStep, target), req.Comment)

	if err := e.store.ApplyTransition(ctx, next, inst.Version, flow, entry); err != nil {
		return nil, err
	}

	e.logger.Info("workorder transition",
		zap.String("instance_id", inst.ID),
		zap.String("process_id", def.ID),
		zap.String("action", string(req.Action)),
		zap.String("from_step", inst.CurrentStep),
		zap.String("to_step", target),
		zap.String("actor_id", rctx.SubjectID),
		zap.String("assignee_id", assignee),
	)

	// 9. Notify. Failures never undo the commit.
	e.emit(ctx, model.EventForAction(req.Action), next, rctx.SubjectID, req.Comment, diff(before, next))
	return next, nil
}

// AvailableActions lists the actions the current step offers, filtered by
// their conditions. It does not consider who is asking.
func (e *Engine) AvailableActions(ctx context.Context, instanceID string) ([]model.Action, error) {
	inst, def, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.IsTerminal() {
		return []model.Action{}, nil
	}

	step, _ := def.Step(inst.CurrentStep)
	actions := make([]model.Action, 0, len(step.Transitions)+1)
	for _, tr := range step.Transitions {
		if e.conditionHolds(tr, inst) {
			actions = append(actions, tr.Action)
		}
	}
	back, err := e.backtrackEntry(ctx, inst)
	if err != nil {
		return nil, err
	}
	if back != nil {
		actions = append(actions, model.ActionReturn)
	}
	return actions, nil
}

// Update edits instance fields while the instance is still editable.
func (e *Engine) Update(ctx context.Context, rctx *model.RequestContext, instanceID string, req UpdateRequest) (*model.WorkorderInstance, error) {
	inst, def, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != inst.Version {
		return nil, model.NewConflictError(fmt.Sprintf(
			"workorder %q version conflict (expected %d, got %d)", inst.ID, req.ExpectedVersion, inst.Version))
	}
	if !inst.Status.Editable() {
		return nil, model.NewInvalidStateError(fmt.Sprintf("workorder %q cannot be edited while %s", inst.ID, inst.Status))
	}
	if rctx.SubjectID != inst.OperatorID && rctx.SubjectID != inst.AssigneeID && !e.isAdmin(rctx) {
		return nil, model.NewPermissionDeniedError("only the creator, the assignee or an administrator may edit")
	}

	next := inst.Clone()
	var changed []string
	if req.Title != nil {
		if strings.TrimSpace(*req.Title) == "" {
			return nil, model.NewBadRequestError("title cannot be empty")
		}
		next.Title = *req.Title
		changed = append(changed, "title")
	}
	if req.FormData != nil {
		// Submitted data stays valid; drafts are checked on submit.
		if inst.Status != model.StatusDraft {
			if details := e.registry.FormSchema(def.ID).Validate(req.FormData); len(details) > 0 {
				return nil, model.NewValidationError(details)
			}
		}
		next.FormData = req.FormData
		changed = append(changed, "form_data")
	}
	if req.Priority != nil {
		next.Priority = *req.Priority
		changed = append(changed, "priority")
	}
	if req.Tags != nil {
		next.Tags = append([]string(nil), (*req.Tags)...)
		changed = append(changed, "tags")
	}
	if req.DueDate != nil {
		due := *req.DueDate
		next.DueDate = &due
		next.OverdueAt = nil
		changed = append(changed, "due_date")
	}
	if len(changed) == 0 {
		return inst, nil
	}

	now := e.now()
	next.Version = inst.Version + 1
	next.UpdatedAt = now
	entry := e.timeline(inst.ID, model.TimelineUpdate, rctx.SubjectID,
		"updated "+strings.Join(changed, ", "), "")
	if err := e.store.Save(ctx, next, inst.Version, &entry); err != nil {
		return nil, err
	}

	e.emit(ctx, model.EventInstanceUpdated, next, rctx.SubjectID, "", diff(inst, next))
	return next, nil
}

// Comment adds a remark to the timeline. It does not change the instance.
func (e *Engine) Comment(ctx context.Context, rctx *model.RequestContext, instanceID, text string) (model.TimelineEntry, error) {
	if strings.TrimSpace(text) == "" {
		return model.TimelineEntry{}, model.NewBadRequestError("comment is required")
	}
	inst, _, err := e.load(ctx, instanceID)
	if err != nil {
		return model.TimelineEntry{}, err
	}

	entry := e.timeline(inst.ID, model.TimelineComment, rctx.SubjectID, "commented", text)
	if err := e.store.AppendTimeline(ctx, entry); err != nil {
		return model.TimelineEntry{}, err
	}
	e.emit(ctx, model.EventInstanceCommented, inst, rctx.SubjectID, text, nil)
	return entry, nil
}

// Delete tombstones a terminal instance. Its history stays readable.
func (e *Engine) Delete(ctx context.Context, rctx *model.RequestContext, instanceID string) error {
	inst, _, err := e.load(ctx, instanceID)
	if err != nil {
		return err
	}
	if !inst.IsTerminal() {
		return model.NewInvalidStateError(fmt.Sprintf("workorder %q must be finished before it can be deleted", inst.ID))
	}
	if rctx.SubjectID != inst.OperatorID && !e.isAdmin(rctx) {
		return model.NewPermissionDeniedError("only the creator or an administrator may delete")
	}

	now := e.now()
	next := inst.Clone()
	next.DeletedAt = &now
	next.Version = inst.Version + 1
	next.UpdatedAt = now
	entry := e.timeline(inst.ID, model.TimelineDeleted, rctx.SubjectID, "deleted", "")
	if err := e.store.Save(ctx, next, inst.Version, &entry); err != nil {
		return err
	}

	e.emit(ctx, model.EventInstanceDeleted, next, rctx.SubjectID, "", nil)
	return nil
}

// Get returns an instance. Tombstoned instances are NOT_FOUND.
func (e *Engine) Get(ctx context.Context, instanceID string) (*model.WorkorderInstance, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.DeletedAt != nil {
		return nil, notFound(instanceID)
	}
	return inst, nil
}

// List returns one page of instances and the total match count.
func (e *Engine) List(ctx context.Context, filter model.InstanceFilter) ([]*model.WorkorderInstance, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return e.store.List(ctx, filter)
}

// FlowLog returns the committed transitions of an instance, including
// tombstoned ones.
func (e *Engine) FlowLog(ctx context.Context, instanceID string) ([]model.FlowLogEntry, error) {
	return e.store.FlowLog(ctx, instanceID)
}

// Timeline returns the human readable history of an instance.
func (e *Engine) Timeline(ctx context.Context, instanceID string) ([]model.TimelineEntry, error) {
	return e.store.Timeline(ctx, instanceID)
}

// Replay walks the flow log from the initial step and reports where it
// ends. Consistent is false when the walk disagrees with the stored step.
func (e *Engine) Replay(ctx context.Context, instanceID string) (*ReplayResult, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, ok := e.registry.GetProcess(inst.ProcessID)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("process %q not found", inst.ProcessID))
	}
	flow, err := e.store.FlowLog(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	step, err := ReplayFlow(def, flow)
	if err != nil {
		return nil, err
	}
	return &ReplayResult{
		InstanceID:  inst.ID,
		Step:        step,
		Status:      def.StatusOf(step),
		Transitions: len(flow),
		Consistent:  step == inst.CurrentStep && def.StatusOf(step) == inst.Status,
	}, nil
}

// ReplayFlow re-applies flow to def starting at the initial step and returns
// the final step. Every entry must leave the step the previous one reached.
func ReplayFlow(def *model.ProcessDefinition, flow []model.FlowLogEntry) (string, error) {
	current := def.Initial()
	for i, entry := range flow {
		if entry.Seq != i+1 {
			return "", model.NewInvalidStateError(fmt.Sprintf("flow log gap at seq %d", i+1))
		}
		if entry.FromStep != current {
			return "", model.NewInvalidStateError(fmt.Sprintf(
				"flow log seq %d leaves %q but the instance was in %q", entry.Seq, entry.FromStep, current))
		}
		if _, ok := def.Step(entry.ToStep); !ok {
			return "", model.NewInvalidStateError(fmt.Sprintf("flow log seq %d enters unknown step %q", entry.Seq, entry.ToStep))
		}
		current = entry.ToStep
	}
	return current, nil
}

// ProcessOverdue flags instances whose due date has passed and emits one
// instance_overdue event for each. It returns how many were flagged.
func (e *Engine) ProcessOverdue(ctx context.Context) (int, error) {
	now := e.now()
	due, err := e.store.FindOverdue(ctx, now, overdueBatch)
	if err != nil {
		return 0, fmt.Errorf("find overdue workorders: %w", err)
	}

	flagged := 0
	for _, inst := range due {
		next := inst.Clone()
		next.OverdueAt = &now
		next.Version = inst.Version + 1
		next.UpdatedAt = now
		if err := e.store.Save(ctx, next, inst.Version, nil); err != nil {
			if model.IsCode(err, model.ErrConflict) {
				continue
			}
			return flagged, err
		}
		flagged++
		e.emit(ctx, model.EventInstanceOverdue, next, model.SystemActor, "", nil)
	}
	return flagged, nil
}

// RunOverdueLoop calls ProcessOverdue every interval until ctx ends.
func (e *Engine) RunOverdueLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	e.logger.Info("overdue checker started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("overdue checker stopped")
			return nil
		case <-ticker.C:
			n, err := e.ProcessOverdue(ctx)
			if err != nil {
				e.logger.Error("overdue check failed", zap.Error(err))
				continue
			}
			if n > 0 {
				e.logger.Info("workorders flagged overdue", zap.Int("count", n))
			}
		}
	}
}

// --- helpers ---

// load returns a live instance and its process.
func (e *Engine) load(ctx context.Context, instanceID string) (*model.WorkorderInstance, *model.ProcessDefinition, error) {
	inst, err := e.Get(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	def, ok := e.registry.GetProcess(inst.ProcessID)
	if !ok {
		return nil, nil, model.NewNotFoundError(fmt.Sprintf("process %q not found", inst.ProcessID))
	}
	if _, ok := def.Step(inst.CurrentStep); !ok {
		return nil, nil, model.NewInvalidStateError(fmt.Sprintf(
			"step %q not found in process %q", inst.CurrentStep, def.ID))
	}
	return inst, def, nil
}

func (e *Engine) isAdmin(rctx *model.RequestContext) bool {
	if e.caps == nil {
		return false
	}
	caps, err := e.caps.Resolve(rctx)
	if err != nil {
		e.logger.Warn("capability lookup failed", zap.String("subject_id", rctx.SubjectID), zap.Error(err))
		return false
	}
	return caps.Has(model.CapWorkorderAdmin)
}

// authorize decides whether rctx may perform action on inst.
func (e *Engine) authorize(rctx *model.RequestContext, def *model.ProcessDefinition, inst *model.WorkorderInstance, action model.Action) error {
	actor := rctx.SubjectID
	switch {
	case actor == "":
	case actor == inst.AssigneeID:
		return nil
	case actor == inst.OperatorID && inst.AssigneeID == "":
		return nil
	case actor == inst.OperatorID && action == model.ActionCancel:
		return nil
	case actor == inst.OperatorID && action == model.ActionSubmit && inst.CurrentStep == def.Initial():
		return nil
	case e.isAdmin(rctx):
		return nil
	}
	return model.NewPermissionDeniedError(fmt.Sprintf("%s may not %s workorder %s", actor, action, inst.ID))
}

func (e *Engine) conditionHolds(tr model.TransitionDefinition, inst *model.WorkorderInstance) bool {
	ok, err := condition.Evaluate(tr.Condition, inst.FormData)
	if err != nil {
		e.logger.Debug("transition condition failed to evaluate",
			zap.String("instance_id", inst.ID),
			zap.String("action", string(tr.Action)),
			zap.String("condition", tr.Condition),
			zap.Error(err),
		)
		return false
	}
	return ok
}

// backtrackEntry finds the most recent forward transition into the current
// step, or nil when there is nothing to return to.
func (e *Engine) backtrackEntry(ctx context.Context, inst *model.WorkorderInstance) (*model.FlowLogEntry, error) {
	flow, err := e.store.FlowLog(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	for i := len(flow) - 1; i >= 0; i-- {
		entry := flow[i]
		if entry.Action != model.ActionReturn && entry.ToStep == inst.CurrentStep {
			return &entry, nil
		}
	}
	return nil, nil
}

func (e *Engine) nextAssignee(ctx context.Context, req TransitionRequest, inst *model.WorkorderInstance, target model.StepDefinition, back *model.FlowLogEntry) (string, error) {
	if req.Action == model.ActionAssign {
		if req.AssigneeID == "" {
			return "", model.NewBadRequestError("assignee_id is required for assign")
		}
		return req.AssigneeID, nil
	}
	if target.AssigneeRule.IsEmpty() {
		if back != nil {
			return back.ActorID, nil
		}
		return inst.AssigneeID, nil
	}
	return e.resolveAssignee(ctx, target.AssigneeRule, inst)
}

// resolveAssignee evaluates rule for inst. An empty rule yields the current
// assignee.
func (e *Engine) resolveAssignee(ctx context.Context, rule model.AssigneeRule, inst *model.WorkorderInstance) (string, error) {
	switch rule.Type {
	case model.AssignNone:
		return inst.AssigneeID, nil
	case model.AssignCreator:
		return inst.OperatorID, nil
	case model.AssignUser:
		return rule.UserID, nil
	}

	if e.directory == nil {
		return "", model.NewInvalidStateError(fmt.Sprintf("assignee rule %q needs an identity directory", rule.Type))
	}
	switch rule.Type {
	case model.AssignRole:
		users, err := e.directory.UsersInRole(ctx, rule.Role)
		if err != nil {
			return "", model.NewInvalidStateError(fmt.Sprintf("resolve role %q: %v", rule.Role, err))
		}
		if len(users) == 0 {
			return "", model.NewInvalidStateError(fmt.Sprintf("no user holds role %q", rule.Role))
		}
		return users[0], nil
	case model.AssignSubmitterManager:
		manager, err := e.directory.ManagerOf(ctx, inst.OperatorID)
		if err != nil {
			return "", model.NewInvalidStateError(fmt.Sprintf("resolve manager of %q: %v", inst.OperatorID, err))
		}
		if manager == "" {
			return "", model.NewInvalidStateError(fmt.Sprintf("%q has no manager", inst.OperatorID))
		}
		return manager, nil
	}
	return "", model.NewInvalidStateError(fmt.Sprintf("unknown assignee rule %q", rule.Type))
}

func (e *Engine) timeline(instanceID, kind, actor, summary, comment string) model.TimelineEntry {
	return model.TimelineEntry{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		Kind:       kind,
		ActorID:    actor,
		Summary:    summary,
		Comment:    comment,
		Timestamp:  e.now(),
	}
}

// emit publishes on a context detached from the request so a client that
// hangs up after the commit does not lose the event.
func (e *Engine) emit(ctx context.Context, typ model.EventType, inst *model.WorkorderInstance, actor, comment string, changes map[string]model.FieldChange) {
	if e.publisher == nil || typ == "" {
		return
	}
	event := model.LifecycleEvent{
		ID:         uuid.New().String(),
		Type:       typ,
		InstanceID: inst.ID,
		Namespace:  inst.Namespace,
		ProcessID:  inst.ProcessID,
		ActorID:    actor,
		Comment:    comment,
		Timestamp:  e.now(),
		Snapshot:   inst.Clone(),
		Diff:       changes,
		Trace:      observability.TraceCarrier(ctx),
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	err := e.publisher.Publish(pctx, event)
	e.metrics.RecordEventPublished(string(typ), err)
	if err != nil {
		e.logger.Error("publish lifecycle event failed",
			zap.String("event_type", string(typ)),
			zap.String("instance_id", inst.ID),
			zap.Error(err),
		)
	}
}

// diff lists the fields that differ between two states of an instance.
func diff(before, after *model.WorkorderInstance) map[string]model.FieldChange {
	changes := map[string]model.FieldChange{}
	add := func(field string, from, to any) {
		changes[field] = model.FieldChange{From: from, To: to}
	}
	if before.CurrentStep != after.CurrentStep {
		add("current_step", before.CurrentStep, after.CurrentStep)
	}
	if before.Status != after.Status {
		add("status", before.Status, after.Status)
	}
	if before.AssigneeID != after.AssigneeID {
		add("assignee_id", before.AssigneeID, after.AssigneeID)
	}
	if before.Title != after.Title {
		add("title", before.Title, after.Title)
	}
	if before.Priority != after.Priority {
		add("priority", before.Priority, after.Priority)
	}
	if strings.Join(before.Tags, ",") != strings.Join(after.Tags, ",") {
		add("tags", before.Tags, after.Tags)
	}
	if !sameTime(before.DueDate, after.DueDate) {
		add("due_date", before.DueDate, after.DueDate)
	}
	if !sameFormData(before.FormData, after.FormData) {
		add("form_data", before.FormData, after.FormData)
	}
	if len(changes) == 0 {
		return nil
	}
	return changes
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func sameFormData(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if fmt.Sprint(v) != fmt.Sprint(b[k]) {
			return false
		}
	}
	return true
}
