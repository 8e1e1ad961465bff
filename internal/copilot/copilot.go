// Package copilot supervises live calls: it accumulates transcripts per
// call, periodically asks an LLM whether the voice agent missed an action or
// the caller is frustrated, and runs compensating actions on its own.
package copilot

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"voice-copilot-go/internal/events"
	"voice-copilot-go/internal/logger"
	"voice-copilot-go/internal/metrics"
	"voice-copilot-go/internal/tools"
	"voice-copilot-go/internal/types"
)

type Reasoner interface {
	Analyze(ctx context.Context, system, prompt string) (string, error)
}

type ToolRunner interface {
	Execute(ctx context.Context, name string, args tools.Args, tc types.ToolContext) tools.Result
}

type EventLogger interface {
	LogEvent(ctx context.Context, e types.CallEvent)
}

type Publisher interface {
	Publish(ctx context.Context, kind, callID string, event any) error
}

type Config struct {
	Enabled              bool
	AnalysisInterval     time.Duration
	MinTranscriptChars   int
	FrustrationThreshold float64
	AnalysisTimeout      time.Duration
	AssistantName        string
	Brand                string
}

type Deps struct {
	Sessions  *Registry
	LLM       Reasoner
	Tools     ToolRunner
	Events    EventLogger
	Publisher Publisher
	Metrics   *metrics.Metrics
}

type Copilot struct {
	cfg      Config
	sessions *Registry
	llm      Reasoner
	tools    ToolRunner
	events   EventLogger
	pub      Publisher
	metrics  *metrics.Metrics
	log      *logrus.Entry
	system   string
	now      func() time.Time
	wg       sync.WaitGroup
}

func New(cfg Config, deps Deps, log *logrus.Entry) *Copilot {
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = 5 * time.Second
	}
	if cfg.MinTranscriptChars <= 0 {
		cfg.MinTranscriptChars = 50
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = 30 * time.Second
	}
	if cfg.AssistantName == "" {
		cfg.AssistantName = "Ara"
	}
	if cfg.Brand == "" {
		cfg.Brand = "Extractos EUM"
	}
	if deps.Sessions == nil {
		deps.Sessions = NewRegistry()
	}
	return &Copilot{
		cfg:      cfg,
		sessions: deps.Sessions,
		llm:      deps.LLM,
		tools:    deps.Tools,
		events:   deps.Events,
		pub:      deps.Publisher,
		metrics:  deps.Metrics,
		log:      log.WithField("component", "copilot"),
		system:   systemPrompt(cfg.AssistantName, cfg.Brand),
		now:      time.Now,
	}
}

// Transcript is one transcript message of a call.
type Transcript struct {
	CallID  string
	Role    string
	Content string
	IsFinal bool
	Caller  Caller
}

// ProcessTranscript appends t to its call's session, creating the session on
// first sight. When the transcript is final, long enough and the cooldown
// has passed, an analysis starts in the background; the return value tells
// whether one did.
func (c *Copilot) ProcessTranscript(ctx context.Context, t Transcript) bool {
	if t.CallID == "" {
		return false
	}
	sess := c.track(t.CallID, t.Caller)
	if sess == nil {
		return false
	}
	now := c.now()
	sess.appendTranscript(TranscriptEntry{Role: t.Role, Content: t.Content, Timestamp: now, IsFinal: t.IsFinal}, c.speaker(t.Role))

	if !t.IsFinal || !c.cfg.Enabled || c.llm == nil {
		return false
	}
	in, n, ok := sess.beginAnalysis(now, c.cfg.MinTranscriptChars, c.cfg.AnalysisInterval)
	if !ok {
		return false
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AnalysisTimeout)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.analyze(actx, sess, in, n)
	}()
	return true
}

func (c *Copilot) speaker(role string) string {
	if role == "assistant" {
		return c.cfg.AssistantName
	}
	return "Cliente"
}

func (c *Copilot) track(callID string, caller Caller) *Session {
	sess, created := c.sessions.GetOrCreate(callID, caller)
	if sess == nil {
		logger.WithCall(c.log, callID).Debug("ignoring event for ended call")
		return nil
	}
	if created {
		c.metrics.SetSessions(c.sessions.Len())
		logger.WithCall(c.log, callID).Debug("tracking call")
	}
	return sess
}

// RecordToolCall notes that the agent used tool during the call. A tool that
// an earlier analysis flagged as missed is no longer counted as missed.
func (c *Copilot) RecordToolCall(callID, tool string, caller Caller) {
	if callID == "" || tool == "" {
		return
	}
	if sess := c.track(callID, caller); sess != nil {
		sess.recordTool(tools.Canonical(tool), c.now())
	}
}

func (c *Copilot) analyze(ctx context.Context, sess *Session, in promptInput, n int) {
	defer sess.finishAnalysis()
	start := time.Now()
	entry := c.log.WithFields(logrus.Fields{"call_id": sess.callID, "analysis": n})

	raw, err := c.llm.Analyze(ctx, c.system, analysisPrompt(in))
	if err != nil {
		entry.WithError(err).Warn("copilot analysis failed")
		c.metrics.RecordAnalysis("error", time.Since(start))
		c.analysisFailed(ctx, sess, n, "llm", err, "")
		return
	}
	v, err := DecodeVerdict(raw)
	if err != nil {
		entry.WithError(err).Warn("copilot verdict unreadable")
		c.metrics.RecordAnalysis("invalid", time.Since(start))
		c.analysisFailed(ctx, sess, n, "decode", err, raw)
		return
	}

	critical := sess.applyVerdict(v, c.now())
	for _, a := range critical {
		c.execute(ctx, sess, a)
	}

	data := map[string]any{
		"analysisNumber":        n,
		"sentiment":             v.Sentiment,
		"frustrationIndicators": v.FrustrationIndicators,
		"missedActions":         v.MissedActions,
		"shouldEscalate":        v.ShouldEscalate,
		"escalationReason":      v.EscalationReason,
		"summary":               v.Summary,
		"toolsCalled":           sess.calledTools(),
		"callDurationSeconds":   int(c.now().Sub(sess.startedAt).Round(time.Second).Seconds()),
	}
	c.logEvent(ctx, sess, types.EventCopilotAnalysis, data)
	c.publish(ctx, events.KindVerdict, sess.callID, data)
	c.metrics.RecordAnalysis("ok", time.Since(start))
	entry.WithFields(logrus.Fields{
		"sentiment": v.Sentiment,
		"missed":    len(v.MissedActions),
		"critical":  len(critical),
	}).Info("copilot analysis done")
}

func (c *Copilot) analysisFailed(ctx context.Context, sess *Session, n int, stage string, err error, raw string) {
	data := map[string]any{
		"analysisNumber": n,
		"stage":          stage,
		"error":          err.Error(),
	}
	if raw != "" {
		data["raw"] = truncate(raw, 500)
	}
	c.logEvent(ctx, sess, types.EventCopilotFailed, data)
}

// execute runs one compensating action. Execution is serialised per session,
// and an action that is no longer pending is skipped.
func (c *Copilot) execute(ctx context.Context, sess *Session, a *PendingAction) {
	sess.actionMu.Lock()
	defer sess.actionMu.Unlock()

	job, ok := sess.actionJob(a)
	if !ok {
		return
	}
	entry := c.log.WithFields(logrus.Fields{"call_id": sess.callID, "action": a.Type, "priority": a.Priority})
	outcome := map[string]any{"type": a.Type, "priority": a.Priority, "reason": a.Reason}

	switch a.Type {
	case ActionSendWhatsApp:
		msg := paramString(job.params, "message")
		if job.tc.CustomerPhone == "" || msg == "" {
			outcome["skipped"] = "missing phone or message"
			break
		}
		args := tools.Args{"message": msg}
		if media := paramString(job.params, "media_url"); media != "" {
			args["media_url"] = media
		}
		res := c.tools.Execute(ctx, tools.SendWhatsApp, args, job.tc)
		outcome["success"] = res.Success
		if !res.Success {
			outcome["error"] = res.Error
		}
	case ActionSearchProducts:
		query := paramString(job.params, "query")
		if query == "" {
			outcome["skipped"] = "missing query"
			break
		}
		res := c.tools.Execute(ctx, tools.SearchProducts, tools.Args{"query": query, "category": paramString(job.params, "category")}, job.tc)
		sess.attach(a, "searchResult", res)
		outcome["success"] = res.Success
	case ActionEscalate:
		c.logEvent(ctx, sess, types.EventCopilotEscalation, map[string]any{
			"reason":                a.Reason,
			"sentiment":             job.sentiment,
			"frustrationIndicators": job.frustration,
		})
	case ActionInjectContext:
		// reserved: no handler wired yet
	default:
		outcome["skipped"] = "unsupported action"
	}

	sess.markExecuted(a, c.now())
	c.metrics.RecordAction(a.Type)
	c.logEvent(ctx, sess, types.EventCopilotAction, outcome)
	entry.Info("copilot action executed")
}

// EndCall stops tracking a call: it waits for an in-flight analysis (bounded
// by ctx), runs still-queued critical and high priority actions, persists
// and returns the final report. It returns nil when the call is not tracked.
func (c *Copilot) EndCall(ctx context.Context, callID string) *Report {
	sess, ok := c.sessions.Get(callID)
	if !ok {
		c.sessions.Retire(callID)
		return nil
	}
	if !sess.end() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		sess.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.WithCall(c.log, callID).Warn("ending call with analysis still running")
	}

	for _, a := range sess.queued(PriorityCritical, PriorityHigh) {
		c.execute(ctx, sess, a)
	}

	snap := sess.Snapshot()
	report := buildReport(snap, c.cfg.FrustrationThreshold, c.now())
	data := reportEventData(report, snap)
	c.logEvent(ctx, sess, types.EventCopilotFinalReport, data)
	c.publish(ctx, events.KindFinalReport, callID, data)

	c.sessions.Retire(callID)
	c.metrics.SetSessions(c.sessions.Len())
	c.log.WithFields(logrus.Fields{
		"call_id":   callID,
		"analyses":  snap.AnalysisCount,
		"executed":  report.ActionsExecuted,
		"missed":    report.ActionsMissed,
		"sentiment": report.Sentiment,
	}).Info("call tracking ended")
	return &report
}

// Session returns a snapshot of a tracked call.
func (c *Copilot) Session(callID string) (Snapshot, bool) {
	sess, ok := c.sessions.Get(callID)
	if !ok {
		return Snapshot{}, false
	}
	return sess.Snapshot(), true
}

func (c *Copilot) ActiveCalls() []string { return c.sessions.IDs() }

// Wait blocks until background analyses finish or ctx is done.
func (c *Copilot) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Copilot) logEvent(ctx context.Context, sess *Session, eventType string, data map[string]any) {
	if c.events == nil {
		return
	}
	c.events.LogEvent(ctx, types.CallEvent{
		VapiCallID:     sess.callID,
		ConversationID: sess.conversationID(),
		EventType:      eventType,
		EventData:      data,
		EventTime:      c.now().UTC(),
	})
}

func (c *Copilot) publish(ctx context.Context, kind, callID string, data map[string]any) {
	if c.pub == nil {
		return
	}
	if err := c.pub.Publish(ctx, kind, callID, data); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"call_id": callID, "kind": kind}).Warn("publish failed")
	}
}

// Session mutations used by the loop. Each takes the session lock.

func (s *Session) appendTranscript(e TranscriptEntry, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, e)
	s.lastActivityAt = e.Timestamp
	if e.IsFinal {
		s.fullTranscript += "\n" + label + ": " + e.Content
	}
}

// beginAnalysis moves an idle session to analyzing when enough final
// transcript has accumulated and the cooldown has passed.
func (s *Session) beginAnalysis(now time.Time, minChars int, interval time.Duration) (promptInput, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle ||
		utf8.RuneCountInString(s.fullTranscript) < minChars ||
		now.Sub(s.lastAnalysisAt) < interval {
		return promptInput{}, 0, false
	}
	s.state = StateAnalyzing
	s.lastAnalysisAt = now
	s.analysisCount++
	s.inflight.Add(1)
	return promptInput{
		transcript: s.fullTranscript,
		tools:      slices.Clone(s.toolsCalled),
		name:       s.caller.CustomerName,
		phone:      s.caller.CustomerPhone,
		elapsed:    now.Sub(s.startedAt),
	}, s.analysisCount, true
}

func (s *Session) finishAnalysis() {
	s.mu.Lock()
	if s.state == StateAnalyzing {
		s.state = StateIdle
	}
	s.mu.Unlock()
	s.inflight.Done()
}

// applyVerdict stores sentiment and queues actions not already queued or
// executed. It returns the newly queued critical actions. A call that has
// ended keeps the sentiment but queues nothing.
func (s *Session) applyVerdict(v Verdict, now time.Time) []*PendingAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentiment = v.Sentiment
	s.sentimentHistory = append(s.sentimentHistory, v.Sentiment)
	s.frustration = slices.Clone(v.FrustrationIndicators)
	s.needsEscalation = v.ShouldEscalate
	if s.state == StateEnded {
		return nil
	}

	var critical []*PendingAction
	for _, m := range v.MissedActions {
		key := actionKey(m.Type, m.Params)
		if s.known(key) {
			continue
		}
		a := &PendingAction{
			Type:       m.Type,
			Priority:   m.Priority,
			Params:     cloneParams(m.Params),
			Reason:     m.Reason,
			DetectedAt: now,
			key:        key,
		}
		s.pending = append(s.pending, a)
		if !slices.Contains(s.toolsMissed, m.Type) {
			s.toolsMissed = append(s.toolsMissed, m.Type)
		}
		if a.Priority == PriorityCritical {
			critical = append(critical, a)
		}
	}
	return critical
}

func (s *Session) known(key string) bool {
	for _, a := range s.pending {
		if a.key == key {
			return true
		}
	}
	for _, a := range s.executed {
		if a.key == key {
			return true
		}
	}
	return false
}

// missedAlias maps a tool name onto the action type analyses report for it.
var missedAlias = map[string]string{tools.EscalateToHuman: ActionEscalate}

func (s *Session) recordTool(tool string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.toolsCalled, tool) {
		s.toolsCalled = append(s.toolsCalled, tool)
	}
	s.lastActivityAt = now
	s.toolsMissed = slices.DeleteFunc(s.toolsMissed, func(t string) bool {
		return t == tool || t == missedAlias[tool]
	})
}

func (s *Session) calledTools() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.toolsCalled)
}

func (s *Session) conversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caller.ConversationID
}

// end marks the session ended. It reports false if it already was.
func (s *Session) end() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return false
	}
	s.state = StateEnded
	return true
}

// queued returns pending actions with one of the given priorities, in
// detection order.
func (s *Session) queued(priorities ...Priority) []*PendingAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PendingAction
	for _, a := range s.pending {
		if slices.Contains(priorities, a.Priority) {
			out = append(out, a)
		}
	}
	return out
}

type actionJob struct {
	params      map[string]any
	tc          types.ToolContext
	sentiment   float64
	frustration []string
}

func (s *Session) actionJob(a *PendingAction) (actionJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.pending, a) {
		return actionJob{}, false
	}
	return actionJob{
		params: cloneParams(a.Params),
		tc: types.ToolContext{
			CallID:         s.callID,
			ConversationID: s.caller.ConversationID,
			ClientID:       s.caller.ClientID,
			CustomerPhone:  s.caller.CustomerPhone,
		},
		sentiment:   s.sentiment,
		frustration: slices.Clone(s.frustration),
	}, true
}

func (s *Session) attach(a *PendingAction, key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Params[key] = v
}

func (s *Session) markExecuted(a *PendingAction, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ExecutedAt = &now
	s.executed = append(s.executed, a)
	s.pending = slices.DeleteFunc(s.pending, func(p *PendingAction) bool { return p == a })
}

func paramString(p map[string]any, key string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

// truncate keeps the first n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return fmt.Sprintf("%s...", string(r[:n]))
}
