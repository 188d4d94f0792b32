//go:build integration

package source

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/config"
)

// PrimaryTestSuite runs report queries against a real PostgreSQL container.
type PrimaryTestSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	container testcontainers.Container
	pool      *pgxpool.Pool
}

func TestPrimarySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	suite.Run(t, new(PrimaryTestSuite))
}

func (s *PrimaryTestSuite) SetupSuite() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(s.ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	s.Require().NoError(err, "Failed to start PostgreSQL container")
	s.container = container

	host, err := container.Host(s.ctx)
	s.Require().NoError(err)
	port, err := container.MappedPort(s.ctx, "5432")
	s.Require().NoError(err)

	pool, err := NewPool(s.ctx, config.ReportsConfig{
		DSN:          fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		PoolMaxConns: 2,
	})
	s.Require().NoError(err)
	s.pool = pool

	_, err = s.pool.Exec(s.ctx, `
		CREATE TABLE enrolments (id serial PRIMARY KEY, courseid int, grade numeric(6,2));
		INSERT INTO enrolments (courseid, grade) VALUES (1, 71.5), (1, 88.25), (2, 40);`)
	s.Require().NoError(err)
}

func (s *PrimaryTestSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
	s.cancel()
}

func (s *PrimaryTestSuite) TestRowCount() {
	p := NewPrimary(s.pool, 100, 10*time.Second)
	v, err := p.Run(s.ctx, "SELECT id, courseid FROM enrolments WHERE courseid = 1", "id")
	s.Require().NoError(err)
	s.Equal(2.0, v)
}

func (s *PrimaryTestSuite) TestSingleRowNumeric() {
	p := NewPrimary(s.pool, 100, 10*time.Second)
	v, err := p.Run(s.ctx, "SELECT 1 AS id, avg(grade)::numeric(6,2) AS average FROM enrolments WHERE courseid = 1", "id")
	s.Require().NoError(err)
	s.InDelta(79.88, v, 0.01)
}

func (s *PrimaryTestSuite) TestRowLimit() {
	p := NewPrimary(s.pool, 2, 10*time.Second)
	v, err := p.Run(s.ctx, "SELECT id FROM enrolments", "")
	s.Require().NoError(err)
	s.Equal(2.0, v)
}

func (s *PrimaryTestSuite) TestRejectsWrite() {
	p := NewPrimary(s.pool, 100, 10*time.Second)
	_, err := p.Run(s.ctx, "DELETE FROM enrolments", "")
	s.ErrorIs(err, ErrQueryRejected)
}
