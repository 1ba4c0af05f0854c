package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/go-logr/logr"
	"github.com/go-zookeeper/zk"
	"github.com/hashicorp/consul/api"
	"github.com/hazelcast/hazelcast-go-client"
	_ "github.com/jackc/pgx/v5/stdlib"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/companyinfo/leaselock"
	"github.com/companyinfo/leaselock/consulstore"
	"github.com/companyinfo/leaselock/dynamostore"
	"github.com/companyinfo/leaselock/etcdstore"
	"github.com/companyinfo/leaselock/hazelcaststore"
	"github.com/companyinfo/leaselock/mongostore"
	"github.com/companyinfo/leaselock/postgresstore"
	"github.com/companyinfo/leaselock/redisstore"
	"github.com/companyinfo/leaselock/zookeeperstore"
)

type backendBuilder func(d *contentionDemo, ctx context.Context) (leaselock.Backend, error)

var builders = map[string]backendBuilder{
	leaselock.BackendMemory:    (*contentionDemo).withMemory,
	leaselock.BackendRedis:     (*contentionDemo).withRedis,
	leaselock.BackendPostgres:  (*contentionDemo).withPostgres,
	leaselock.BackendDynamoDB:  (*contentionDemo).withDynamoDB,
	leaselock.BackendHazelcast: (*contentionDemo).withHazelcast,
	leaselock.BackendEtcd:      (*contentionDemo).withEtcd,
	leaselock.BackendZooKeeper: (*contentionDemo).withZooKeeper,
	leaselock.BackendMongoDB:   (*contentionDemo).withMongoDB,
	leaselock.BackendConsul:    (*contentionDemo).withConsul,
}

// contentionDemo runs several simulated processes, each with its own Client,
// that take turns holding one lock on every configured backend.
type contentionDemo struct {
	cfg     *Config
	logger  logr.Logger
	closers []func(context.Context) error
}

func newContentionDemo(cfg *Config, logger logr.Logger) *contentionDemo {
	return &contentionDemo{cfg: cfg, logger: logger}
}

func (d *contentionDemo) onShutdown(name string, fn func(context.Context) error) {
	d.closers = append(d.closers, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("failed to close %s connection: %w", name, err)
		}

		return nil
	})
}

func (d *contentionDemo) withMemory(context.Context) (leaselock.Backend, error) {
	return leaselock.NewMemoryBackend(nil), nil
}

func (d *contentionDemo) withRedis(context.Context) (leaselock.Backend, error) {
	client, err := redisstore.NewClient(d.cfg.Redis)
	if err != nil {
		return nil, err
	}

	d.onShutdown(leaselock.BackendRedis, func(context.Context) error {
		return client.Close()
	})

	return redisstore.New(client), nil
}

func (d *contentionDemo) withPostgres(ctx context.Context) (leaselock.Backend, error) {
	db, err := sql.Open("pgx", d.cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}

	d.onShutdown(leaselock.BackendPostgres, func(context.Context) error {
		return db.Close()
	})

	store := postgresstore.New(db)
	if err := store.EnsureTable(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

func (d *contentionDemo) withDynamoDB(ctx context.Context) (leaselock.Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(d.cfg.DynamoDB.Region)}
	if d.cfg.DynamoDB.Endpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(d.cfg.DynamoDB.Endpoint))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	var storeOpts []dynamostore.Option
	if d.cfg.DynamoDB.Table != "" {
		storeOpts = append(storeOpts, dynamostore.WithTable(d.cfg.DynamoDB.Table))
	}

	return dynamostore.New(dynamodb.NewFromConfig(cfg), storeOpts...), nil
}

func (d *contentionDemo) withHazelcast(ctx context.Context) (leaselock.Backend, error) {
	cfg := hazelcast.NewConfig()
	if len(d.cfg.Hazelcast.Addresses) > 0 {
		cfg.Cluster.Network.SetAddresses(d.cfg.Hazelcast.Addresses...)
	}

	client, err := hazelcast.StartNewClientWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	d.onShutdown(leaselock.BackendHazelcast, client.Shutdown)

	return hazelcaststore.New(client), nil
}

func (d *contentionDemo) withEtcd(context.Context) (leaselock.Backend, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   d.cfg.Etcd.Endpoints,
		DialTimeout: d.cfg.Etcd.DialTimeout,
	})
	if err != nil {
		return nil, err
	}

	d.onShutdown(leaselock.BackendEtcd, func(context.Context) error {
		return client.Close()
	})

	return etcdstore.New(client), nil
}

func (d *contentionDemo) withZooKeeper(context.Context) (leaselock.Backend, error) {
	conn, _, err := zk.Connect(d.cfg.ZooKeeper.Servers, d.cfg.ZooKeeper.SessionTimeout)
	if err != nil {
		return nil, err
	}

	d.onShutdown(leaselock.BackendZooKeeper, func(context.Context) error {
		conn.Close()

		return nil
	})

	return zookeeperstore.New(conn), nil
}

func (d *contentionDemo) withMongoDB(ctx context.Context) (leaselock.Backend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(d.cfg.MongoDB.URI))
	if err != nil {
		return nil, err
	}

	d.onShutdown(leaselock.BackendMongoDB, client.Disconnect)

	var storeOpts []mongostore.Option
	if d.cfg.MongoDB.Database != "" {
		storeOpts = append(storeOpts, mongostore.WithDatabase(d.cfg.MongoDB.Database))
	}

	store := mongostore.New(client, storeOpts...)
	if err := store.EnsureIndexes(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

func (d *contentionDemo) withConsul(context.Context) (leaselock.Backend, error) {
	cfg := api.DefaultConfig()
	cfg.Address = d.cfg.Consul.Address
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	return consulstore.New(client), nil
}

// run executes the contention scenario on every configured backend and returns
// the number of completed critical sections per backend.
func (d *contentionDemo) run(ctx context.Context) map[string]int32 {
	results := make(map[string]int32, len(d.cfg.Backends))
	for _, name := range d.cfg.Backends {
		if ctx.Err() != nil {
			break
		}

		logger := d.logger.WithValues("backend", name)
		backend, err := builders[name](d, ctx)
		if err != nil {
			logger.Error(err, "failed to connect backend")

			continue
		}

		count, err := d.contend(ctx, backend, logger)
		if err != nil {
			logger.Error(err, "contention run failed")
		}
		logger.Info("contention run finished", "completed", count, "workers", d.cfg.Demo.Workers)
		results[name] = count
	}

	return results
}

func (d *contentionDemo) contend(ctx context.Context, backend leaselock.Backend, logger logr.Logger) (int32, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Demo.Timeout)
	defer cancel()

	var (
		wg    sync.WaitGroup
		count atomic.Int32
		mu    sync.Mutex
		errs  []error
	)
	for i := 0; i < d.cfg.Demo.Workers; i++ {
		client, err := leaselock.New(backend,
			append(d.cfg.Lock.options(), leaselock.WithLogger(logger.WithValues("worker", i)))...)
		if err != nil {
			return 0, err
		}

		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = client.Close(closeCtx)
			}()

			if err := d.work(ctx, client, worker, &count); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	return count.Load(), errors.Join(errs...)
}

func (d *contentionDemo) work(ctx context.Context, client *leaselock.Client, worker int, count *atomic.Int32) error {
	ctx = leaselock.WithOwner(ctx, leaselock.NewOwner())
	m := client.Mutex(d.cfg.Lock.Name)

	if err := m.Lock(ctx); err != nil {
		return fmt.Errorf("worker %d: %w", worker, err)
	}

	d.logger.Info("running critical section", "worker", worker, "lockID", m.Key())
	select {
	case <-time.After(d.cfg.Demo.Hold):
		count.Add(1)
	case <-ctx.Done():
		d.logger.Info("critical section interrupted", "worker", worker)
	}

	if err := m.Unlock(ctx); err != nil {
		return fmt.Errorf("worker %d: %w", worker, err)
	}

	return nil
}

func (d *contentionDemo) shutdown(ctx context.Context) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			d.logger.Error(err, "shutdown")
		}
	}
}
