package pubtrack

import (
	tracker "github.com/pubtrack/pubtrack/internal/tracker"
	configpkg "github.com/pubtrack/pubtrack/internal/tracker/config"
	"github.com/pubtrack/pubtrack/internal/tracker/correlation"
	errspkg "github.com/pubtrack/pubtrack/internal/tracker/errors"
	idspkg "github.com/pubtrack/pubtrack/internal/tracker/ids"
	"github.com/pubtrack/pubtrack/internal/tracker/listener"
	"github.com/pubtrack/pubtrack/internal/tracker/lock"
	loggingpkg "github.com/pubtrack/pubtrack/internal/tracker/logging"
	"github.com/pubtrack/pubtrack/internal/tracker/notify"
	"github.com/pubtrack/pubtrack/internal/tracker/recovery"
	"github.com/pubtrack/pubtrack/internal/tracker/retry"
	"github.com/pubtrack/pubtrack/internal/tracker/store"
	memorystore "github.com/pubtrack/pubtrack/internal/tracker/store/memory"
	pgstore "github.com/pubtrack/pubtrack/internal/tracker/store/postgres"
	transportpkg "github.com/pubtrack/pubtrack/internal/tracker/transport"
	channeltransport "github.com/pubtrack/pubtrack/internal/tracker/transport/channel"
	jstransport "github.com/pubtrack/pubtrack/internal/tracker/transport/jetstream"
)

type (
	Config              = configpkg.Config
	Service             = tracker.Service
	ServiceDependencies = tracker.ServiceDependencies
	PublishResult       = tracker.PublishResult
	Statistics          = tracker.Statistics

	PublishRequest  = correlation.PublishRequest
	TrackingContext = correlation.TrackingContext
	Notifier        = correlation.Notifier

	RequestRecord = store.RequestRecord
	RequestStatus = store.RequestStatus
	RecoveryLock  = store.RecoveryLock
	RequestStore  = store.RequestStore
	LockStore     = store.LockStore

	ListenerStatus = listener.Status
	Received       = listener.Received

	Transport        = transportpkg.Transport
	Publisher        = transportpkg.Publisher
	Subscriber       = transportpkg.Subscriber
	PullSubscription = transportpkg.PullSubscription
	Message          = transportpkg.Message
	PubAck           = transportpkg.PubAck

	JetStreamConfig = jstransport.Config
	PostgresConfig  = pgstore.Config
	RecoveryConfig  = recovery.Config
	AcquireResult   = lock.AcquireResult

	RetryStrategy      = retry.Strategy
	RetryExecutor      = retry.Executor
	ExponentialBackoff = retry.ExponentialBackoff
	FixedDelay         = retry.FixedDelay
	NoRetry            = retry.NoRetry
	RetryHooks         = retry.Hooks

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ValidationError = errspkg.ValidationError
	TransportError  = errspkg.TransportError

	WebhookNotifier = notify.WebhookNotifier
	WebhookPayload  = notify.Payload
)

// Request lifecycle statuses.
const (
	StatusPending = store.StatusPending
	StatusSuccess = store.StatusSuccess
	StatusFailed  = store.StatusFailed
	StatusTimeout = store.StatusTimeout
	StatusError   = store.StatusError
)

// Recovery lock statuses.
const (
	LockActive    = store.LockActive
	LockExpired   = store.LockExpired
	LockCompleted = store.LockCompleted
)

var (
	NewService = tracker.NewService

	NewJetStreamTransport = jstransport.New
	NewChannelTransport   = channeltransport.New
	NewPostgresStore      = pgstore.New
	NewMemoryRequestStore = memorystore.NewRequestStore
	NewMemoryLockStore    = memorystore.NewLockStore

	NewWebhookNotifier = notify.NewWebhookNotifier
	NewRetryExecutor   = retry.NewExecutor

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	CreateULID   = idspkg.CreateULID
	NewRequestID = idspkg.NewRequestID

	ErrNotFound   = errspkg.ErrNotFound
	ErrLockExists = errspkg.ErrLockExists
)
