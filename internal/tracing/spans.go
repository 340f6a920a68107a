package tracing

// Span names for the traced hot paths. Every user message produces at
// most one hub.deliver span per hop, with gateway and orchestrator
// spans nested under it.
const (
	SpanHubDeliver        = "hub.deliver"
	SpanGatewayRequest    = "gateway.request"
	SpanOrchestratorRound = "orchestrator.round"
)

// Span attribute keys. These constants define the semantic conventions
// for span attributes across the daemon.
const (
	// Message attributes
	AttrMessageID     = "message.id"
	AttrMessageType   = "message.type"
	AttrMessageSource = "message.source"
	AttrMessageDest   = "message.dest"
	AttrMessageRoute  = "message.route"

	// Module attributes
	AttrModuleID = "module.id"

	// Gateway attributes
	AttrGatewayID    = "gateway.id"
	AttrDeliveryMode = "gateway.delivery_mode"

	// Epic attributes
	AttrEpicID = "epic.id"
	AttrRound  = "epic.round"
	AttrAction = "epic.action"
	AttrPhase  = "epic.phase"

	// Session attributes
	AttrSessionID = "session.id"

	// Tool attributes
	AttrToolName   = "tool.name"
	AttrToolCaller = "tool.caller.id"
)

// Event names for span events.
const (
	EventGatewayAccepted = "gateway.accepted"
	EventInputInjected   = "input.injected"
)
