/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package esb

import (
	"context"
	"embed"
	"fmt"
	"sync"

	"github.com/blnkfinance/esb/circuitbreaker"
	"github.com/blnkfinance/esb/config"
	"github.com/blnkfinance/esb/database"
	"github.com/blnkfinance/esb/internal/apierror"
	redis_db "github.com/blnkfinance/esb/internal/redis-db"
	"github.com/blnkfinance/esb/internal/scheduler"
	"github.com/blnkfinance/esb/model"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("esb")

// Job names registered by RegisterJobs.
const (
	JobRepair        = "repair"
	JobConfirmations = "confirmations"
	JobRetryPoller   = "retry-poller"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// Bus wires the reliability services of the integration bus around one
// datasource.
type Bus struct {
	cnf        *config.Configuration
	datasource database.IDataSource
	redis      redis.UniversalClient
	queue      *Queue
	enqueuer   Enqueuer

	breaker       *circuitbreaker.CircuitBreaker
	circuits      *circuitbreaker.Registry
	ledger        *ExternalCallLedger
	stateMachine  *MessageStateMachine
	repair        *RepairScheduler
	confirmations *ConfirmationRetryQueue
	confirmer     *ConfirmationPollExecutor
	poller        *MessagePoller

	mu         sync.RWMutex
	processors map[string]Processor
}

// BusOption overrides one of the connections NewBus would otherwise open.
type BusOption func(*busOptions)

type busOptions struct {
	redis    redis.UniversalClient
	enqueuer Enqueuer
	sender   ConfirmationSender
}

// WithRedis uses client instead of connecting to the configured redis.
func WithRedis(client redis.UniversalClient) BusOption {
	return func(o *busOptions) { o.redis = client }
}

// WithEnqueuer hands messages to e instead of the asynq queue.
func WithEnqueuer(e Enqueuer) BusOption {
	return func(o *busOptions) { o.enqueuer = e }
}

// WithConfirmationSender delivers confirmations through s instead of HTTP.
func WithConfirmationSender(s ConfirmationSender) BusOption {
	return func(o *busOptions) { o.sender = s }
}

// NewBus initializes a new instance of Bus with the provided database datasource.
// It fetches the configuration, connects to Redis and sets up the message queue.
//
// Parameters:
// - db database.IDataSource: The datasource for database operations.
// - opts ...BusOption: Connections to use instead of the configured ones.
//
// Returns:
// - *Bus: A pointer to the newly created Bus instance.
// - error: An error if any of the initialization steps fail.
func NewBus(db database.IDataSource, opts ...BusOption) (*Bus, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	var o busOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.redis == nil {
		redisClient, err := redis_db.NewRedisClient([]string{cnf.Redis.Dns}, cnf.Redis.SkipTLSVerify)
		if err != nil {
			return nil, err
		}
		o.redis = redisClient.Client()
	}

	var queue *Queue
	if o.enqueuer == nil {
		queue, err = NewQueue(cnf)
		if err != nil {
			return nil, err
		}
		o.enqueuer = queue
	}

	if o.sender == nil {
		o.sender = NewHTTPConfirmationSender(cnf.Confirmation)
	}

	bus, err := newBus(cnf, db, o.redis, o.enqueuer, o.sender)
	if err != nil {
		return nil, err
	}
	bus.queue = queue
	return bus, nil
}

// newBus assembles the services. redisClient may be nil when the circuit
// store is local.
func newBus(cnf *config.Configuration, db database.IDataSource, redisClient redis.UniversalClient, enqueuer Enqueuer, sender ConfirmationSender) (*Bus, error) {
	breaker := circuitbreaker.New(circuitbreaker.NewStore(cnf, redisClient))
	circuits := circuitbreaker.NewRegistry(cnf.Circuits)

	ledger, err := NewExternalCallLedger(db, breaker, circuits, cnf.ExternalCall.SkipURIPattern)
	if err != nil {
		return nil, err
	}

	stateMachine := NewMessageStateMachine(db, cnf.NodeID)
	confirmations := NewConfirmationRetryQueue(db, cnf.Confirmation)

	bus := &Bus{
		cnf:           cnf,
		datasource:    db,
		redis:         redisClient,
		enqueuer:      enqueuer,
		breaker:       breaker,
		circuits:      circuits,
		ledger:        ledger,
		stateMachine:  stateMachine,
		repair:        NewRepairScheduler(db, stateMachine, cnf.Repair),
		confirmations: confirmations,
		confirmer:     NewConfirmationPollExecutor(db, confirmations, sender),
		poller:        NewMessagePoller(db, stateMachine, enqueuer, cnf.Poller),
		processors:    make(map[string]Processor),
	}
	stateMachine.OnFinished(bus.confirm)
	if err := bus.RegisterRoutes(cnf.Routes); err != nil {
		return nil, err
	}
	return bus, nil
}

func (b *Bus) StateMachine() *MessageStateMachine {
	return b.stateMachine
}

func (b *Bus) Ledger() *ExternalCallLedger {
	return b.ledger
}

func (b *Bus) Breaker() *circuitbreaker.CircuitBreaker {
	return b.breaker
}

func (b *Bus) Circuits() *circuitbreaker.Registry {
	return b.circuits
}

func (b *Bus) Repair() *RepairScheduler {
	return b.repair
}

func (b *Bus) Confirmations() *ConfirmationRetryQueue {
	return b.confirmations
}

func (b *Bus) ConfirmationExecutor() *ConfirmationPollExecutor {
	return b.confirmer
}

func (b *Bus) Poller() *MessagePoller {
	return b.poller
}

func (b *Bus) Queue() *Queue {
	return b.queue
}

func (b *Bus) Redis() redis.UniversalClient {
	return b.redis
}

// RegisterJobs registers the background jobs of the bus on s.
func (b *Bus) RegisterJobs(s *scheduler.Scheduler) error {
	repairMode := scheduler.ClusterConcurrent
	if b.cnf.Repair.ClusterExclusive {
		repairMode = scheduler.ClusterExclusive
	}
	if err := s.RegisterJob(JobRepair, config.Seconds(b.cnf.Repair.RepeatTime), b.repair.Run, repairMode); err != nil {
		return err
	}
	if err := s.RegisterJob(JobConfirmations, config.Seconds(b.cnf.Confirmation.RepeatTime), b.confirmer.Run, scheduler.ClusterConcurrent); err != nil {
		return err
	}
	return s.RegisterJob(JobRetryPoller, config.Seconds(b.cnf.Poller.RepeatTime), func(ctx context.Context) error {
		_, err := b.poller.Run(ctx)
		return err
	}, scheduler.ClusterConcurrent)
}

// RepairResult reports what a manual repair pass fixed.
type RepairResult struct {
	Messages      int `json:"messages"`
	ExternalCalls int `json:"external_calls"`
}

// TriggerRepair runs both repair sweeps now.
func (b *Bus) TriggerRepair(ctx context.Context) (RepairResult, error) {
	messages, err := b.repair.RepairMessages(ctx)
	if err != nil {
		return RepairResult{Messages: messages}, err
	}
	calls, err := b.repair.RepairExternalCalls(ctx)
	return RepairResult{Messages: messages, ExternalCalls: calls}, err
}

// CircuitStatus is a snapshot of one configured circuit.
type CircuitStatus struct {
	Config model.CircuitConfig `json:"config"`
	State  model.CircuitState  `json:"state"`
	Open   bool                `json:"open"`
}

// Circuit returns the status of a configured circuit.
func (b *Bus) Circuit(ctx context.Context, name string) (*CircuitStatus, error) {
	cfg, ok := b.circuits.Lookup(name)
	if !ok {
		return nil, apierror.APIError{Code: apierror.ErrNotFound, Message: fmt.Sprintf("circuit %s is not configured", name)}
	}
	state, err := b.breaker.Store().Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return &CircuitStatus{Config: cfg, State: state, Open: b.breaker.IsOpen(&state, cfg)}, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks the storage and redis connections the bus depends on.
func (b *Bus) Ping(ctx context.Context) error {
	if p, ok := b.datasource.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases the queue and redis connections.
func (b *Bus) Close() error {
	if b.queue != nil {
		if err := b.queue.Close(); err != nil {
			return err
		}
	}
	if b.redis != nil {
		return b.redis.Close()
	}
	return nil
}
