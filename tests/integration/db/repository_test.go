package db

import (
	"context"
	"io"
	"log"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"queue-callback/internal/capture"
	"queue-callback/internal/config"
	"queue-callback/internal/db"
	"queue-callback/internal/events"
	"queue-callback/tests/testhelpers"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type RepositoryTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	requests    *db.RequestRepository
	configs     *db.ConfigRepository
	capture     *capture.Service
	ctx         context.Context
}

func (s *RepositoryTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	if err := db.RunMigrations(pgContainer.ConnectionString, "../../../migrations"); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.requests = db.NewRequestRepository(pool)
	s.configs = db.NewConfigRepository(pool, s.requests)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.capture = capture.NewService(s.requests, s.configs, events.NewPublisher(config.Kafka{}, logger), logger)
}

func (s *RepositoryTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *RepositoryTestSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx,
		"TRUNCATE callback_request, queue_callback_config, queue_member, queue")
	if err != nil {
		log.Fatalf("error truncating tables: %s", err)
	}

	s.seedQueue("2000", "101", "102")
}

func (s *RepositoryTestSuite) seedQueue(queueID string, members ...string) {
	_, err := s.pool.Exec(s.ctx, "INSERT INTO queue (queue_id) VALUES ($1)", queueID)
	if err != nil {
		log.Fatalf("error seeding queue: %s", err)
	}
	for _, member := range members {
		_, err := s.pool.Exec(s.ctx,
			"INSERT INTO queue_member (queue_id, member) VALUES ($1, $2)", queueID, member)
		if err != nil {
			log.Fatalf("error seeding queue member: %s", err)
		}
	}
}

func (s *RepositoryTestSuite) enableCallback(queueID string) {
	err := s.configs.Upsert(s.ctx, &db.QueueCallbackConfigEntity{
		QueueID:            queueID,
		Enabled:            true,
		CallbackKey:        "*",
		ProcessingInterval: 5,
		RetryInterval:      5,
		MaxAttempts:        3,
		CallFirst:          db.CallFirstCustomer,
	})
	if err != nil {
		log.Fatalf("error enabling callback: %s", err)
	}
}

func (s *RepositoryTestSuite) createRequest(queueID string, requested time.Time) *db.CallbackRequestEntity {
	entity := &db.CallbackRequestEntity{
		QueueID:        queueID,
		CallerID:       "15550001111",
		CallbackNumber: "15550001111",
		Status:         db.StatusPending,
		TimeRequested:  requested,
	}
	created, err := s.requests.Create(s.ctx, entity)
	if err != nil {
		log.Fatalf("error creating request: %s", err)
	}
	return created
}

func (s *RepositoryTestSuite) TestCreateAndGetByID() {
	t := s.T()

	requested := time.Now().Truncate(time.Second)
	created := s.createRequest("2000", requested)
	assert.NotZero(t, created.ID)

	fetched, err := s.requests.GetByID(s.ctx, created.ID)
	assert.NoError(t, err)
	assert.Equal(t, "2000", fetched.QueueID)
	assert.Equal(t, db.StatusPending, fetched.Status)
	assert.True(t, requested.Equal(fetched.TimeRequested))
	assert.Equal(t, 0, fetched.Attempts)
}

func (s *RepositoryTestSuite) TestGetByIDNotFound() {
	t := s.T()

	_, err := s.requests.GetByID(s.ctx, 424242)
	assert.ErrorIs(t, err, db.ErrRequestNotFound)
}

func (s *RepositoryTestSuite) TestCandidatesFIFOOrder() {
	t := s.T()
	s.enableCallback("2000")

	base := time.Now().Truncate(time.Second)
	second := s.createRequest("2000", base.Add(10*time.Second))
	first := s.createRequest("2000", base)

	candidates, err := s.requests.GetCandidates(s.ctx, time.Now())
	assert.NoError(t, err)
	assert.Len(t, candidates, 2)
	assert.Equal(t, first.ID, candidates[0].ID)
	assert.Equal(t, second.ID, candidates[1].ID)
}

func (s *RepositoryTestSuite) TestCandidatesExcludeDisabledQueue() {
	t := s.T()

	s.createRequest("2000", time.Now().Truncate(time.Second))

	candidates, err := s.requests.GetCandidates(s.ctx, time.Now())
	assert.NoError(t, err)
	assert.Empty(t, candidates)
}

func (s *RepositoryTestSuite) TestProcessingRequestHiddenInsideRetryWindow() {
	t := s.T()
	s.enableCallback("2000")

	now := time.Now().Truncate(time.Second)
	created := s.createRequest("2000", now.Add(-time.Minute))

	claimed, err := s.requests.ClaimForDispatch(s.ctx, created.ID, 3, 5, now)
	assert.NoError(t, err)
	assert.True(t, claimed)

	// inside the 5 minute retry window the request stays invisible
	candidates, err := s.requests.GetCandidates(s.ctx, now.Add(4*time.Minute))
	assert.NoError(t, err)
	assert.Empty(t, candidates)

	// once the window elapses it reappears for another attempt
	candidates, err = s.requests.GetCandidates(s.ctx, now.Add(5*time.Minute))
	assert.NoError(t, err)
	assert.Len(t, candidates, 1)
	assert.Equal(t, created.ID, candidates[0].ID)
	assert.Equal(t, 1, candidates[0].Attempts)
}

func (s *RepositoryTestSuite) TestCandidatesRespectAttemptCap() {
	t := s.T()
	s.enableCallback("2000")

	now := time.Now().Truncate(time.Second)
	created := s.createRequest("2000", now.Add(-time.Hour))

	for attempt := 0; attempt < 3; attempt++ {
		claimAt := now.Add(time.Duration(attempt*10) * time.Minute)
		claimed, err := s.requests.ClaimForDispatch(s.ctx, created.ID, 3, 5, claimAt)
		assert.NoError(t, err)
		assert.True(t, claimed)
	}

	// attempts exhausted: never offered again, however long we wait
	candidates, err := s.requests.GetCandidates(s.ctx, now.Add(24*time.Hour))
	assert.NoError(t, err)
	assert.Empty(t, candidates)
}

func (s *RepositoryTestSuite) TestRequestMaxAttemptsOverridesQueueCap() {
	t := s.T()
	s.enableCallback("2000")

	now := time.Now().Truncate(time.Second)
	entity := &db.CallbackRequestEntity{
		QueueID:        "2000",
		CallbackNumber: "15550001111",
		Status:         db.StatusPending,
		TimeRequested:  now.Add(-time.Hour),
		MaxAttempts:    1,
	}
	created, err := s.requests.Create(s.ctx, entity)
	assert.NoError(t, err)

	claimed, err := s.requests.ClaimForDispatch(s.ctx, created.ID, 1, 5, now)
	assert.NoError(t, err)
	assert.True(t, claimed)

	candidates, err := s.requests.GetCandidates(s.ctx, now.Add(time.Hour))
	assert.NoError(t, err)
	assert.Empty(t, candidates)
}

func (s *RepositoryTestSuite) TestCountPendingAhead() {
	t := s.T()

	base := time.Now().Truncate(time.Second)
	earlier := s.createRequest("2000", base)
	sameSecond := s.createRequest("2000", base.Add(5*time.Second))
	target := s.createRequest("2000", base.Add(5*time.Second))
	s.createRequest("2000", base.Add(time.Minute))

	ahead, err := s.requests.CountPendingAhead(s.ctx, "2000", target.TimeRequested, target.ID)
	assert.NoError(t, err)
	// the strictly earlier request plus the same-second lower id
	assert.Equal(t, 2, ahead)
	assert.Less(t, sameSecond.ID, target.ID)
	assert.Less(t, earlier.ID, sameSecond.ID)
}

func (s *RepositoryTestSuite) TestClaimForDispatchAtMostOneWinner() {
	t := s.T()
	s.enableCallback("2000")

	now := time.Now().Truncate(time.Second)
	created := s.createRequest("2000", now.Add(-time.Minute))

	const racers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.requests.ClaimForDispatch(s.ctx, created.ID, 3, 5, now)
			assert.NoError(t, err)
			if claimed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())

	fetched, err := s.requests.GetByID(s.ctx, created.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.StatusProcessing, fetched.Status)
	assert.Equal(t, 1, fetched.Attempts)
	assert.NotNil(t, fetched.LastAttempt)
}

func (s *RepositoryTestSuite) TestReleaseClaimRestoresPriorState() {
	t := s.T()
	s.enableCallback("2000")

	now := time.Now().Truncate(time.Second)
	created := s.createRequest("2000", now.Add(-time.Minute))
	prior := *created

	claimed, err := s.requests.ClaimForDispatch(s.ctx, created.ID, 3, 5, now)
	assert.NoError(t, err)
	assert.True(t, claimed)

	err = s.requests.ReleaseClaim(s.ctx, &prior)
	assert.NoError(t, err)

	fetched, err := s.requests.GetByID(s.ctx, created.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.StatusPending, fetched.Status)
	assert.Equal(t, 0, fetched.Attempts)
	assert.Nil(t, fetched.LastAttempt)
}

func (s *RepositoryTestSuite) TestReleaseClaimSkipsCancelledRequest() {
	t := s.T()

	now := time.Now().Truncate(time.Second)
	created := s.createRequest("2000", now)
	prior := *created

	cancelled, err := s.requests.Cancel(s.ctx, created.ID, now)
	assert.NoError(t, err)
	assert.True(t, cancelled)

	err = s.requests.ReleaseClaim(s.ctx, &prior)
	assert.NoError(t, err)

	fetched, err := s.requests.GetByID(s.ctx, created.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, fetched.Status)
}

func (s *RepositoryTestSuite) TestMarkCompletedIsTerminal() {
	t := s.T()

	now := time.Now().Truncate(time.Second)
	created := s.createRequest("2000", now)

	applied, err := s.requests.MarkCompleted(s.ctx, created.ID, now)
	assert.NoError(t, err)
	assert.True(t, applied)

	// a second resolution has no effect on the terminal row
	applied, err = s.requests.MarkFailed(s.ctx, created.ID, now)
	assert.NoError(t, err)
	assert.False(t, applied)

	fetched, err := s.requests.GetByID(s.ctx, created.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, fetched.Status)
	assert.NotNil(t, fetched.TimeProcessed)
}

func (s *RepositoryTestSuite) TestDeleteProcessedBeforeRetention() {
	t := s.T()

	now := time.Now().Truncate(time.Second)

	aged := s.createRequest("2000", now.Add(-48*time.Hour))
	_, err := s.requests.MarkCompleted(s.ctx, aged.ID, now.Add(-25*time.Hour))
	assert.NoError(t, err)

	recent := s.createRequest("2000", now.Add(-time.Hour))
	_, err = s.requests.MarkCompleted(s.ctx, recent.ID, now.Add(-time.Hour))
	assert.NoError(t, err)

	pending := s.createRequest("2000", now.Add(-48*time.Hour))

	deleted, err := s.requests.DeleteProcessedBefore(s.ctx, now.Add(-24*time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.requests.GetByID(s.ctx, aged.ID)
	assert.ErrorIs(t, err, db.ErrRequestNotFound)

	// recent terminal rows and live rows survive, whatever their age
	_, err = s.requests.GetByID(s.ctx, recent.ID)
	assert.NoError(t, err)
	_, err = s.requests.GetByID(s.ctx, pending.ID)
	assert.NoError(t, err)
}

func (s *RepositoryTestSuite) TestStats() {
	t := s.T()

	now := time.Now().Truncate(time.Second)
	s.createRequest("2000", now)
	s.createRequest("2000", now)
	done := s.createRequest("2000", now)
	_, err := s.requests.MarkCompleted(s.ctx, done.ID, now)
	assert.NoError(t, err)

	stats, err := s.requests.Stats(s.ctx, "2000")
	assert.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Failed)
}

func (s *RepositoryTestSuite) TestListActiveAcrossQueues() {
	t := s.T()
	s.seedQueue("3000", "201")

	base := time.Now().Truncate(time.Second)
	second := s.createRequest("3000", base.Add(time.Second))
	first := s.createRequest("2000", base)
	done := s.createRequest("2000", base)
	_, err := s.requests.MarkCompleted(s.ctx, done.ID, base)
	assert.NoError(t, err)

	all, err := s.requests.ListActive(s.ctx, "")
	assert.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)

	one, err := s.requests.ListActive(s.ctx, "3000")
	assert.NoError(t, err)
	assert.Len(t, one, 1)
	assert.Equal(t, second.ID, one[0].ID)
}

func (s *RepositoryTestSuite) TestConfigDefaultsForUnknownQueue() {
	t := s.T()

	cfg, err := s.configs.Get(s.ctx, "9999")
	assert.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "*", cfg.CallbackKey)
	assert.Equal(t, 5, cfg.RetryInterval)
	assert.Equal(t, db.DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, db.CallFirstCustomer, cfg.CallFirst)
}

func (s *RepositoryTestSuite) TestUpsertRejectsUnknownQueue() {
	t := s.T()

	err := s.configs.Upsert(s.ctx, &db.QueueCallbackConfigEntity{
		QueueID: "9999",
		Enabled: true,
	})
	assert.ErrorIs(t, err, db.ErrQueueNotFound)

	cfg, err := s.configs.Get(s.ctx, "9999")
	assert.NoError(t, err)
	assert.False(t, cfg.Enabled)
}

func (s *RepositoryTestSuite) TestUpsertSanitizesInvalidFields() {
	t := s.T()

	err := s.configs.Upsert(s.ctx, &db.QueueCallbackConfigEntity{
		QueueID:     "2000",
		Enabled:     true,
		CallbackKey: "99",
		CallFirst:   "everyone",
	})
	assert.NoError(t, err)

	cfg, err := s.configs.Get(s.ctx, "2000")
	assert.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "*", cfg.CallbackKey)
	assert.Equal(t, db.CallFirstCustomer, cfg.CallFirst)
	assert.Equal(t, 5, cfg.ProcessingInterval)
	assert.Equal(t, db.DefaultMaxAttempts, cfg.MaxAttempts)
}

func (s *RepositoryTestSuite) TestDeleteConfigCancelsLiveRequests() {
	t := s.T()
	s.enableCallback("2000")

	now := time.Now().Truncate(time.Second)
	live := s.createRequest("2000", now)
	done := s.createRequest("2000", now)
	_, err := s.requests.MarkCompleted(s.ctx, done.ID, now)
	assert.NoError(t, err)

	cancelled, err := s.configs.Delete(s.ctx, "2000", now)
	assert.NoError(t, err)
	assert.Equal(t, []int64{live.ID}, cancelled)

	fetched, err := s.requests.GetByID(s.ctx, live.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, fetched.Status)

	fetched, err = s.requests.GetByID(s.ctx, done.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, fetched.Status)

	cfg, err := s.configs.Get(s.ctx, "2000")
	assert.NoError(t, err)
	assert.False(t, cfg.Enabled)
}

func (s *RepositoryTestSuite) TestListEnabledCarriesQueueDescription() {
	t := s.T()

	_, err := s.pool.Exec(s.ctx,
		"UPDATE queue SET description = 'Support Line' WHERE queue_id = '2000'")
	assert.NoError(t, err)

	s.seedQueue("3000")
	s.enableCallback("2000")
	s.enableCallback("3000")

	// disabled configs stay out of the listing
	s.seedQueue("4000")
	err = s.configs.Upsert(s.ctx, &db.QueueCallbackConfigEntity{QueueID: "4000"})
	assert.NoError(t, err)

	enabled, err := s.configs.ListEnabled(s.ctx)
	assert.NoError(t, err)
	assert.Len(t, enabled, 2)
	assert.Equal(t, "2000", enabled[0].QueueID)
	assert.Equal(t, "Support Line", enabled[0].Description)
	assert.Equal(t, "3000", enabled[1].QueueID)
	assert.Equal(t, "", enabled[1].Description)
}

func (s *RepositoryTestSuite) TestCaptureCreateRequest() {
	t := s.T()

	err := s.configs.Upsert(s.ctx, &db.QueueCallbackConfigEntity{
		QueueID:     "2000",
		Enabled:     true,
		MaxAttempts: 5,
	})
	assert.NoError(t, err)

	created, err := s.capture.CreateRequest(s.ctx, "2000", "Jordan Doe <15559876543>", "+1 (555) 987-6543")
	assert.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, db.StatusPending, created.Status)
	assert.Equal(t, "15559876543", created.CallbackNumber)
	// the queue cap is inherited onto the new request
	assert.Equal(t, 5, created.MaxAttempts)

	fetched, err := s.requests.GetByID(s.ctx, created.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.StatusPending, fetched.Status)
	assert.Equal(t, 5, fetched.MaxAttempts)
	assert.Equal(t, 0, fetched.Attempts)
}

func (s *RepositoryTestSuite) TestCaptureRejectsDisabledQueue() {
	t := s.T()

	// no config row means callback defaults to disabled
	_, err := s.capture.CreateRequest(s.ctx, "9999", "", "15559876543")
	assert.ErrorIs(t, err, db.ErrCallbackDisabled)

	stats, err := s.requests.Stats(s.ctx, "9999")
	assert.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func (s *RepositoryTestSuite) TestCaptureRejectsShortNumber() {
	t := s.T()
	s.enableCallback("2000")

	_, err := s.capture.CreateRequest(s.ctx, "2000", "", "555-123")
	assert.ErrorIs(t, err, db.ErrInvalidNumber)

	stats, err := s.requests.Stats(s.ctx, "2000")
	assert.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func (s *RepositoryTestSuite) TestQueueMembers() {
	t := s.T()

	members, err := s.configs.QueueMembers(s.ctx, "2000")
	assert.NoError(t, err)
	assert.Equal(t, []string{"101", "102"}, members)

	members, err = s.configs.QueueMembers(s.ctx, "9999")
	assert.NoError(t, err)
	assert.Empty(t, members)
}

func TestRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(RepositoryTestSuite))
}
