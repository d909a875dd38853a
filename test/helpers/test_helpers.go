package helpers

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/internal/repository"
	"github.com/nimasrn/outreach-gateway/internal/repository/repotest"
	"github.com/nimasrn/outreach-gateway/pkg/pg"
	"github.com/nimasrn/outreach-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func SetupTestDB(t *testing.T) *pg.DB {
	return repotest.NewTestDB(t)
}

// SetupTestRedis starts a miniredis server. Adapters are cached by name, so
// every call registers a fresh one.
func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr := miniredis.RunT(t)

	adapter, err := redis.NewRedisAdapter("test-"+uuid.NewString(), "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Client().Close() })

	return mr, adapter
}

func CreateTestTemplate(t *testing.T, db *pg.DB, tpl *model.Template) *model.Template {
	created, err := repository.NewTemplateRepository(db).Create(context.Background(), tpl)
	require.NoError(t, err)
	return created
}

func CreateTestCampaign(t *testing.T, db *pg.DB, templateID uuid.UUID) *model.Campaign {
	created, err := repository.NewCampaignRepository(db).Create(context.Background(), &model.Campaign{
		Name:            "test campaign",
		TemplateID:      &templateID,
		FromName:        "Sam",
		FromEmail:       "sam@agency.test",
		TrackingEnabled: true,
	})
	require.NoError(t, err)
	return created
}

func CreateTestContact(t *testing.T, db *pg.DB, c *model.Contact) *model.Contact {
	created, err := repository.NewContactRepository(db).Create(context.Background(), c)
	require.NoError(t, err)
	return created
}

func GetMessage(t *testing.T, db *pg.DB, id uuid.UUID) *model.Message {
	m, err := repository.NewMessageRepository(db).Get(context.Background(), id)
	require.NoError(t, err)
	return m
}

func GetContact(t *testing.T, db *pg.DB, id uuid.UUID) *model.Contact {
	c, err := repository.NewContactRepository(db).Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

// StaticResolver answers MX lookups from a fixed set of domains.
type StaticResolver map[string]bool

func (r StaticResolver) LookupMX(_ context.Context, domain string) ([]*net.MX, error) {
	if r[strings.ToLower(domain)] {
		return []*net.MX{{Host: "mx." + domain, Pref: 10}}, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: domain, IsNotFound: true}
}

func WaitForCondition(t *testing.T, timeout time.Duration, check func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func AssertEventually(t *testing.T, timeout time.Duration, check func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.True(t, WaitForCondition(t, timeout, check), msgAndArgs...)
}

func Ptr[T any](v T) *T {
	return &v
}
