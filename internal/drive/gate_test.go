package drive

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"PulseQueue/internal/admission"
	"PulseQueue/internal/memstore"
	"PulseQueue/internal/models"
	"PulseQueue/internal/objectstore"
	"PulseQueue/internal/quota"
	"PulseQueue/internal/ratelimit"
	"PulseQueue/internal/usage"
)

const mb = int64(1024 * 1024)

func newTestGate(t *testing.T, opts ...Option) (*Gate, *usage.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	users := memstore.New()
	users.PutUser(models.User{ID: 1, Plan: models.PlanFree, IsActive: true})
	users.PutUser(models.User{ID: 2, Plan: models.PlanEnterprise, IsActive: true})
	users.PutUser(models.User{ID: 3, Plan: models.PlanPro, IsActive: false})

	store := usage.New(client)
	g := New(users,
		ratelimit.New(store, ratelimit.WithClock(clock)),
		quota.New(store, quota.WithClock(clock)),
		zaptest.NewLogger(t),
		opts...,
	)
	return g, store
}

func storageUsed(t *testing.T, s *usage.Store, userID int64) int64 {
	t.Helper()
	n, err := s.Get(context.Background(), usage.LifetimeKey(userID, usage.StorageBytes))
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestAuthorizeUpload(t *testing.T) {
	tests := []struct {
		name    string
		userID  int64
		size    int64
		seed    int64
		wantErr error
	}{
		{"fits", 1, 10 * mb, 0, nil},
		{"larger than plan allows per file", 1, 51 * mb, 0, admission.ErrFileTooLarge},
		{"storage would overflow", 1, 20 * mb, 5*1024*mb - 10*mb, admission.ErrStorageExceeded},
		{"storage exactly full after upload", 1, 10 * mb, 5*1024*mb - 10*mb, nil},
		{"enterprise has no size bound", 2, 100 * 1024 * mb, 0, nil},
		{"inactive user", 3, mb, 0, admission.ErrUserInactive},
		{"unknown user", 9, mb, 0, admission.ErrUserNotFound},
		{"zero size", 1, 0, 0, admission.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, store := newTestGate(t)
			ctx := context.Background()
			if tt.seed > 0 {
				_, _ = store.IncrBy(ctx, usage.LifetimeKey(tt.userID, usage.StorageBytes), tt.seed, 0)
			}

			grant, err := g.AuthorizeUpload(ctx, tt.userID, tt.size)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}

			used := storageUsed(t, store, tt.userID)
			if tt.wantErr != nil {
				if used != tt.seed {
					t.Errorf("storage moved on rejection: %d -> %d", tt.seed, used)
				}
				return
			}
			if used != tt.seed+tt.size || grant.Storage.Current != used {
				t.Errorf("storage used = %d (grant %d), want %d", used, grant.Storage.Current, tt.seed+tt.size)
			}
		})
	}
}

func TestAuthorizeUpload_RateLimit(t *testing.T) {
	g, store := newTestGate(t)
	ctx := context.Background()

	for i := range 10 {
		if _, err := g.AuthorizeUpload(ctx, 1, mb); err != nil {
			t.Fatalf("upload %d: %v", i+1, err)
		}
	}
	_, err := g.AuthorizeUpload(ctx, 1, mb)
	if !errors.Is(err, admission.ErrRateLimited) {
		t.Fatalf("11th upload err = %v, want ErrRateLimited", err)
	}
	if ae, _ := admission.As(err); ae.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want 1m", ae.RetryAfter)
	}
	if used := storageUsed(t, store, 1); used != 10*mb {
		t.Errorf("storage used = %d, want %d", used, 10*mb)
	}

	month, _ := store.Get(ctx, usage.MonthlyKey(1, usage.Uploads, "2026-10"))
	if month != 10 {
		t.Errorf("monthly uploads = %d, want 10", month)
	}
}

func TestAuthorizeDownload(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	for i := range 30 {
		if _, err := g.AuthorizeDownload(ctx, 1, ""); err != nil {
			t.Fatalf("download %d: %v", i+1, err)
		}
	}
	if _, err := g.AuthorizeDownload(ctx, 1, ""); !errors.Is(err, admission.ErrRateLimited) {
		t.Errorf("31st download err = %v, want ErrRateLimited", err)
	}
	if _, err := g.AuthorizeDownload(ctx, 3, ""); !errors.Is(err, admission.ErrUserInactive) {
		t.Errorf("inactive download err = %v", err)
	}
}

func TestReleaseStorage(t *testing.T) {
	g, store := newTestGate(t)
	ctx := context.Background()

	if _, err := g.AuthorizeUpload(ctx, 1, 10*mb); err != nil {
		t.Fatal(err)
	}
	used, err := g.ReleaseStorage(ctx, 1, 4*mb)
	if err != nil {
		t.Fatal(err)
	}
	if used != 6*mb || storageUsed(t, store, 1) != 6*mb {
		t.Errorf("storage after release = %d", used)
	}
	if _, err := g.ReleaseStorage(ctx, 1, -1); !errors.Is(err, admission.ErrInvalidRequest) {
		t.Errorf("negative release err = %v", err)
	}
}

type fakeSigner struct {
	uploads int
}

func (f *fakeSigner) UploadURL(_ context.Context, userID, size int64) (string, string, error) {
	f.uploads++
	key := fmt.Sprintf("users/%d/obj-%d", userID, f.uploads)
	return key, "https://bucket.example.com/" + key, nil
}

func (f *fakeSigner) DownloadURL(_ context.Context, userID int64, key string) (string, error) {
	if key != fmt.Sprintf("users/%d/obj-1", userID) {
		return "", objectstore.ErrNotOwner
	}
	return "https://bucket.example.com/" + key + "?get", nil
}

func TestSignedTransfers(t *testing.T) {
	signer := &fakeSigner{}
	g, _ := newTestGate(t, WithSigner(signer))
	ctx := context.Background()

	grant, err := g.AuthorizeUpload(ctx, 1, mb)
	if err != nil {
		t.Fatal(err)
	}
	if grant.Key != "users/1/obj-1" || grant.URL != "https://bucket.example.com/users/1/obj-1" {
		t.Errorf("upload grant = %+v", grant)
	}

	// rejected before signing
	if _, err := g.AuthorizeUpload(ctx, 1, 100*mb); !errors.Is(err, admission.ErrFileTooLarge) {
		t.Fatalf("err = %v", err)
	}
	if signer.uploads != 1 {
		t.Errorf("signed %d uploads, want 1", signer.uploads)
	}

	grant, err = g.AuthorizeDownload(ctx, 1, "users/1/obj-1")
	if err != nil {
		t.Fatal(err)
	}
	if grant.URL != "https://bucket.example.com/users/1/obj-1?get" {
		t.Errorf("download grant = %+v", grant)
	}

	if _, err := g.AuthorizeDownload(ctx, 1, "users/2/obj-1"); !errors.Is(err, admission.ErrInvalidRequest) {
		t.Errorf("foreign key err = %v, want ErrInvalidRequest", err)
	}
}
