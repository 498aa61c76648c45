package speakflow

import (
	runtimepkg "github.com/drblury/speakflow/internal/runtime"
	"github.com/drblury/speakflow/internal/runtime/codec"
	configpkg "github.com/drblury/speakflow/internal/runtime/config"
	connectionpkg "github.com/drblury/speakflow/internal/runtime/connection"
	dispatchpkg "github.com/drblury/speakflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/speakflow/internal/runtime/errors"
	idspkg "github.com/drblury/speakflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/speakflow/internal/runtime/logging"
	newtransport "github.com/drblury/speakflow/transport"
)

type (
	Config               = configpkg.Config
	ConfigWatcher        = configpkg.Watcher
	Pipeline             = runtimepkg.Pipeline
	PipelineDependencies = runtimepkg.PipelineDependencies
	PipelineMetrics      = runtimepkg.PipelineMetrics

	// Output side
	Sink          = dispatchpkg.Sink
	SinkFunc      = dispatchpkg.SinkFunc
	Dispatcher    = dispatchpkg.Dispatcher
	DispatchHooks = dispatchpkg.Hooks

	// Status and events
	StatusObserver  = runtimepkg.StatusObserver
	StatusFuncs     = runtimepkg.StatusFuncs
	ConnectionState = connectionpkg.State
	InboundEvent    = connectionpkg.InboundEvent
	ConnectError    = connectionpkg.ConnectError

	// Codec
	ParsedComment   = codec.ParsedComment
	DecodeError     = codec.DecodeError
	DecodeErrorKind = codec.DecodeErrorKind

	// Logging
	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Transport plumbing, for custom transports
	Transport             = newtransport.Transport
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

// Connection states, re-exported for switch statements on Pipeline.State().
const (
	StateDisconnected     = connectionpkg.Disconnected
	StateConnecting       = connectionpkg.Connecting
	StateConnected        = connectionpkg.Connected
	StateReconnectPending = connectionpkg.ReconnectPending
)

var (
	NewPipeline        = runtimepkg.NewPipeline
	NewPipelineMetrics = runtimepkg.NewPipelineMetrics
	NewDispatcher      = dispatchpkg.NewDispatcher
	NewConfigWatcher   = configpkg.NewWatcher
	ValidateConfig     = configpkg.ValidateConfig

	// Codec helpers, usable standalone.
	DecodeComment = codec.Decode
	ExtractText   = codec.ExtractText

	// Logging constructors.
	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.Nop

	// Event IDs.
	NewEventID = idspkg.NewEventID

	// Transport registry access for custom transports.
	RegisterTransport        = newtransport.Register
	TransportCapabilitiesFor = newtransport.GetCapabilities

	// Sentinel errors.
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrSinkRequired       = errspkg.ErrSinkRequired
	ErrTopicRequired      = errspkg.ErrTopicRequired
	ErrMaxRetriesExceeded = errspkg.ErrMaxRetriesExceeded
	ErrSubscriptionClosed = errspkg.ErrSubscriptionClosed

	// Codec sentinels for errors.Is checks.
	ErrMalformed    = codec.ErrMalformed
	ErrMissingField = codec.ErrMissingField
)
