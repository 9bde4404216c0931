package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/codex-k8s/quota-mcp-server/internal/extension"
)

func approved(id, session string, granted int, at time.Time) extension.Request {
	return extension.Request{
		ID:             id,
		SessionID:      session,
		Email:          session + "@example.com",
		CreatedAt:      at.Add(-time.Hour),
		Status:         extension.StatusApproved,
		QueriesGranted: granted,
		ResolvedAt:     &at,
	}
}

func TestEncodeLayoutAndDecodeOrder(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	snap := New()
	snap.Set(extension.Grant{SessionID: "zeta", QueriesGranted: 10, RequestID: "zeta_1", ApprovedAt: at, Email: "z@example.com"})
	snap.Set(extension.Grant{SessionID: "alpha", QueriesGranted: 5, RequestID: "alpha_1", ApprovedAt: at, Email: "a@example.com"})

	got := string(Encode(snap))
	want := "{\n" +
		"  \"zeta\": {\n    \"queries_granted\": 10,\n    \"approved_at\": \"2024-05-01T12:00:00\",\n    \"request_id\": \"zeta_1\",\n    \"email\": \"z@example.com\"\n  },\n" +
		"  \"alpha\": {\n    \"queries_granted\": 5,\n    \"approved_at\": \"2024-05-01T12:00:00\",\n    \"request_id\": \"alpha_1\",\n    \"email\": \"a@example.com\"\n  }\n}"
	if got != want {
		t.Fatalf("Encode() =\n%s\nwant\n%s", got, want)
	}

	back, err := Decode([]byte(got))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	grants := back.Grants()
	if len(grants) != 2 || grants[0].SessionID != "zeta" || grants[1].SessionID != "alpha" {
		t.Fatalf("Decode() order = %+v", grants)
	}
	if !grants[0].ApprovedAt.Equal(at) {
		t.Fatalf("approved_at = %v", grants[0].ApprovedAt)
	}

	if string(Encode(New())) != "{}" {
		t.Fatalf("empty snapshot = %q", Encode(New()))
	}
}

func TestDecodeRejectsBadDocuments(t *testing.T) {
	for _, doc := range []string{
		`[]`,
		`{"abc": {"queries_granted": "ten"}}`,
		`{"abc": {"approved_at": "never"}}`,
		`{"abc": `,
	} {
		if _, err := Decode([]byte(doc)); err == nil {
			t.Fatalf("Decode(%s) succeeded", doc)
		}
	}
	snap, err := Decode([]byte("  \n"))
	if err != nil || snap.Len() != 0 {
		t.Fatalf("blank = %v, %v", snap, err)
	}
}

func TestRebuildPolicies(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	states := []extension.Request{
		approved("abc_2", "abc", 7, t0.Add(2*time.Minute)),
		approved("abc_1", "abc", 10, t0.Add(time.Minute)),
		approved("xyz_1", "xyz", 3, t0),
		{ID: "abc_3", SessionID: "abc", Status: extension.StatusPending, CreatedAt: t0},
		{ID: "qqq_1", SessionID: "qqq", Status: extension.StatusDenied, CreatedAt: t0, ResolvedAt: &t0},
	}

	tests := []struct {
		name   string
		policy extension.GrantPolicy
		want   int
	}{
		{name: "replace keeps latest approval", policy: extension.PolicyReplace, want: 7},
		{name: "add accumulates", policy: extension.PolicyAdd, want: 17},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Rebuild(states, tt.policy)
			if snap.Len() != 2 {
				t.Fatalf("Len() = %d, want 2", snap.Len())
			}
			g, ok := snap.Get("abc")
			if !ok || g.QueriesGranted != tt.want || g.RequestID != "abc_2" {
				t.Fatalf("abc grant = %+v", g)
			}
			if _, ok := snap.Get("qqq"); ok {
				t.Fatalf("denied session has a grant")
			}
			if snap.Grants()[0].SessionID != "xyz" {
				t.Fatalf("order = %+v", snap.Grants())
			}
		})
	}
}

func TestStoreUpsertAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", FileName)
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	snap, err := store.Load()
	if err != nil || snap.Len() != 0 {
		t.Fatalf("Load() missing file = %v, %v", snap, err)
	}
	mod, err := store.ModTime()
	if err != nil || !mod.IsZero() {
		t.Fatalf("ModTime() missing file = %v, %v", mod, err)
	}

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	if _, err := store.Upsert(extension.Grant{SessionID: "a", QueriesGranted: 1, RequestID: "a_1", ApprovedAt: at}); err != nil {
		t.Fatalf("Upsert(a) error = %v", err)
	}
	if _, err := store.Upsert(extension.Grant{SessionID: "b", QueriesGranted: 2, RequestID: "b_1", ApprovedAt: at}); err != nil {
		t.Fatalf("Upsert(b) error = %v", err)
	}
	written, err := store.Upsert(extension.Grant{SessionID: "a", QueriesGranted: 9, RequestID: "a_2", ApprovedAt: at})
	if err != nil {
		t.Fatalf("Upsert(a again) error = %v", err)
	}
	if written.Len() != 2 {
		t.Fatalf("written Len() = %d", written.Len())
	}

	g, ok, err := store.Get("a")
	if err != nil || !ok || g.QueriesGranted != 9 || g.RequestID != "a_2" {
		t.Fatalf("Get(a) = %+v, %v, %v", g, ok, err)
	}
	if _, ok, _ := store.Get("b"); !ok {
		t.Fatalf("Upsert dropped b")
	}
	if grants := written.Grants(); grants[0].SessionID != "a" {
		t.Fatalf("key order changed: %+v", grants)
	}
}

func TestStoreConcurrentUpsertKeepsEveryKey(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), FileName), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := "s" + strconv.Itoa(i)
			if _, err := store.Upsert(extension.Grant{SessionID: session, QueriesGranted: i + 1, RequestID: session + "_1", ApprovedAt: at}); err != nil {
				t.Errorf("Upsert(%s) error = %v", session, err)
			}
		}(i)
	}
	wg.Wait()

	snap, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap.Len() != n {
		t.Fatalf("Len() = %d, want %d", snap.Len(), n)
	}
	for i := 0; i < n; i++ {
		if g, ok := snap.Get("s" + strconv.Itoa(i)); !ok || g.QueriesGranted != i+1 {
			t.Fatalf("s%d = %+v, %v", i, g, ok)
		}
	}
}

func TestStoreLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_, err = store.Load()
	if !errors.Is(err, extension.ErrStorage) {
		t.Fatalf("Load() error = %v, want storage error", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := New()
	orig.Set(extension.Grant{SessionID: "a", QueriesGranted: 1})
	cp := orig.Clone()
	cp.Set(extension.Grant{SessionID: "a", QueriesGranted: 5})
	cp.Set(extension.Grant{SessionID: "b", QueriesGranted: 2})
	if g, _ := orig.Get("a"); g.QueriesGranted != 1 || orig.Len() != 1 {
		t.Fatalf("original mutated: %+v len=%d", g, orig.Len())
	}
	var nilSnap *Snapshot
	if nilSnap.Len() != 0 || nilSnap.Clone().Len() != 0 {
		t.Fatalf("nil snapshot helpers")
	}
}
