package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/dentaldesk/internal/archive"
	"github.com/wolfman30/dentaldesk/internal/booking"
	"github.com/wolfman30/dentaldesk/internal/compliance"
	appconfig "github.com/wolfman30/dentaldesk/internal/config"
	"github.com/wolfman30/dentaldesk/internal/conversation"
	"github.com/wolfman30/dentaldesk/internal/lock"
	"github.com/wolfman30/dentaldesk/internal/observability/metrics"
	"github.com/wolfman30/dentaldesk/internal/patients"
	"github.com/wolfman30/dentaldesk/internal/tools"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

const (
	checkpointCacheTTL = 10 * time.Minute
	memoryQueueSize    = 1024
	modelRetryBackoff  = 500 * time.Millisecond
)

// Runtime holds the shared dependencies of the API, worker and Lambda
// binaries.
type Runtime struct {
	Config *appconfig.Config
	Logger *logging.Logger
	AWS    aws.Config

	Pool  *pgxpool.Pool
	Redis *redis.Client

	Store      conversation.Store
	Queue      conversation.Queue
	Deliveries conversation.DeliveryLog
	Patients   patients.Repository
	Booking    *booking.Service
	Audit      *compliance.AuditService
	Events     *conversation.EventLogger
	Registry   *prometheus.Registry

	// WorkerLocker serializes processing per conversation across workers.
	WorkerLocker lock.Locker

	auditDB *sql.DB
}

// BuildRuntime connects the stores and the queue selected by cfg. reg
// receives the booking metrics; conversation metrics are registered by
// BuildWorker.
func BuildRuntime(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger, reg *prometheus.Registry) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		AWS:      awsCfg,
		Events:   conversation.NewEventLogger(logger),
		Registry: reg,
	}

	pool, err := BuildPostgresPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.Pool = pool
	rt.Redis = BuildRedisClient(ctx, cfg, logger, true)
	rt.WorkerLocker = BuildLocker(rt.Redis, workerLockPrefix, logger)

	var ledger booking.Ledger
	if pool != nil {
		rt.Store = conversation.NewPGStore(pool)
		rt.Patients = patients.NewPostgresRepository(pool)
		ledger = booking.NewPGLedger(pool)
		if rt.Redis != nil {
			rt.Store = conversation.NewCachedStore(rt.Store, rt.Redis, checkpointCacheTTL, logger)
		}
	} else {
		logger.Warn("using in-memory stores; state is lost on restart")
		rt.Store = conversation.NewMemoryStore()
		rt.Patients = patients.NewInMemoryRepository()
		ledger = booking.NewMemoryLedger()
	}
	if cfg.SeedDentists {
		if err := booking.Seed(ctx, ledger, booking.SeedDentists()); err != nil {
			rt.Close()
			return nil, err
		}
	}

	apptMinutes := cfg.AppointmentMinutes
	if apptMinutes <= 0 {
		apptMinutes = 30
	}
	rt.Booking = booking.NewService(ledger, logger,
		booking.WithLocation(cfg.ClinicLocation()),
		booking.WithDefaultDuration(time.Duration(apptMinutes)*time.Minute),
		booking.WithObserver(metrics.NewBookingMetrics(reg)),
	)

	switch {
	case cfg.UseMemoryQueue:
		rt.Queue = conversation.NewMemoryQueue(memoryQueueSize)
	case strings.TrimSpace(cfg.ConversationQueueURL) != "":
		rt.Queue = conversation.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.ConversationQueueURL)
	}

	switch {
	case !cfg.UseMemoryQueue && strings.TrimSpace(cfg.DeliveryLogTable) != "":
		rt.Deliveries = conversation.NewDynamoDeliveryLog(dynamodb.NewFromConfig(awsCfg), cfg.DeliveryLogTable, logger)
	case pool != nil:
		rt.Deliveries = conversation.NewPGDeliveryLog(pool)
	default:
		rt.Deliveries = conversation.NewMemoryDeliveryLog()
	}

	audit, auditDB, err := BuildAuditService(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Audit, rt.auditDB = audit, auditDB
	return rt, nil
}

// Close releases connections held by the runtime.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	if rt.auditDB != nil {
		_ = rt.auditDB.Close()
	}
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}

// Publisher returns the enqueue side of the inbound queue.
func (rt *Runtime) Publisher() (*conversation.Publisher, error) {
	if rt.Queue == nil {
		return nil, fmt.Errorf("bootstrap: CONVERSATION_QUEUE_URL or USE_MEMORY_QUEUE is required")
	}
	return conversation.NewPublisher(rt.Queue, rt.Store, rt.Logger,
		conversation.WithDeliveryLog(rt.Deliveries),
		conversation.WithEnqueueLocker(BuildLocker(rt.Redis, enqueueLockPrefix, rt.Logger)),
	), nil
}

// BuildWorker wires the orchestrator and its tools into a queue worker. The
// worker may run without a queue when it is driven by Lambda events.
func (rt *Runtime) BuildWorker(ctx context.Context) (*conversation.Worker, error) {
	cfg := rt.Config
	llm, err := BuildLLMClient(ctx, cfg, rt.AWS, rt.Logger)
	if err != nil {
		return nil, err
	}

	var adapterOpts []tools.AdapterOption
	if rt.Audit != nil {
		adapterOpts = append(adapterOpts, tools.WithAuditor(rt.Audit))
	}
	adapter := tools.NewAdapter(rt.Booking, rt.Patients, rt.Logger, adapterOpts...)

	orchestrator := conversation.NewOrchestrator(rt.Store, llm, adapter, rt.Patients, rt.Logger,
		conversation.WithClinicName(cfg.ClinicName),
		conversation.WithClinicLocation(cfg.ClinicLocation()),
		conversation.WithMaxToolDepth(cfg.MaxToolDepth),
		conversation.WithHistoryWindow(cfg.HistoryWindowTurns),
		conversation.WithModelRetries(cfg.ModelMaxRetries, modelRetryBackoff),
		conversation.WithSummarizer(conversation.NewModelSummarizer(llm)),
		conversation.WithEventLogger(rt.Events),
		conversation.WithObserver(metrics.NewConversationMetrics(rt.Registry)),
	)

	workerOpts := []conversation.WorkerOption{
		conversation.WithWorkerCount(cfg.WorkerCount),
		conversation.WithMessageTimeout(cfg.MessageTimeout),
		conversation.WithMaxDeliveryAttempts(cfg.MaxDeliveryAttempts),
		conversation.WithWorkerDeliveryLog(rt.Deliveries),
		conversation.WithConversationLocker(rt.WorkerLocker),
		conversation.WithQuarantineAlerter(BuildAlerter(cfg, rt.AWS, rt.Logger)),
		conversation.WithWorkerEventLogger(rt.Events),
	}
	if rt.Audit != nil {
		workerOpts = append(workerOpts, conversation.WithQuarantineAuditor(rt.Audit))
	}
	return conversation.NewWorker(orchestrator, rt.Queue, rt.Store, rt.Logger, workerOpts...), nil
}

// BuildReplyDispatcher drains the outbound reply outbox.
func (rt *Runtime) BuildReplyDispatcher() *conversation.ReplyDispatcher {
	return conversation.NewReplyDispatcher(rt.Store, BuildReplySender(rt.Config, rt.AWS, rt.Logger), rt.Config.ReplyPollInterval, rt.Logger)
}

// BuildJanitor closes idle conversations and archives them when a bucket is
// configured.
func (rt *Runtime) BuildJanitor() *conversation.Janitor {
	opts := []conversation.JanitorOption{
		conversation.WithJanitorLocker(rt.WorkerLocker),
		conversation.WithJanitorEventLogger(rt.Events),
	}
	if bucket := strings.TrimSpace(rt.Config.ArchiveBucket); bucket != "" {
		opts = append(opts, conversation.WithArchiver(archive.NewStore(s3.NewFromConfig(rt.AWS), bucket, rt.Logger)))
		rt.Logger.Info("conversation archive enabled", "bucket", bucket)
	}
	return conversation.NewJanitor(rt.Store, rt.Config.ConversationIdleTimeout, rt.Config.JanitorInterval, rt.Logger, opts...)
}
