package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/anonrelay/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("test db pool: %v", err)
	}
	// One connection keeps the in-memory database shared across goroutines.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Dialog{}, &models.DialogMessage{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// fakeClock hands out strictly increasing timestamps.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(t *testing.T) (*DialogStore, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	store, err := NewDialogStore(DialogStoreOpts{DB: db, Now: newFakeClock().Now})
	if err != nil {
		t.Fatalf("NewDialogStore: %v", err)
	}
	return store, db
}

func strPtr(s string) *string { return &s }

func loadDialog(t *testing.T, db *gorm.DB, id uint) models.Dialog {
	t.Helper()
	var d models.Dialog
	if err := db.First(&d, id).Error; err != nil {
		t.Fatalf("load dialog %d: %v", id, err)
	}
	return d
}

// ---------------------------------------------------------------------------
// NewDialogStore
// ---------------------------------------------------------------------------

func TestNewDialogStore_NilDB(t *testing.T) {
	_, err := NewDialogStore(DialogStoreOpts{})
	if err == nil {
		t.Fatal("expected error for nil DB")
	}
}

// ---------------------------------------------------------------------------
// ResolveOrCreateDialog
// ---------------------------------------------------------------------------

func TestResolveOrCreateDialog_CreatesDialog(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	id, err := store.ResolveOrCreateDialog(ctx, "42", nil)
	if err != nil {
		t.Fatalf("ResolveOrCreateDialog: %v", err)
	}
	if id != 1 {
		t.Errorf("dialog id = %d, want 1", id)
	}

	d := loadDialog(t, db, id)
	if d.UserID != "42" {
		t.Errorf("UserID = %q, want 42", d.UserID)
	}
	if d.DisplayTag != nil {
		t.Errorf("DisplayTag = %q, want nil", *d.DisplayTag)
	}
	if !d.IsActive {
		t.Error("IsActive = false, want true")
	}
	if !d.CreatedAt.Equal(d.LastActivity) {
		t.Errorf("CreatedAt %v != LastActivity %v on creation", d.CreatedAt, d.LastActivity)
	}
}

func TestResolveOrCreateDialog_SameUserSameID(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	first, err := store.ResolveOrCreateDialog(ctx, "42", nil)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	before := loadDialog(t, db, first).LastActivity

	second, err := store.ResolveOrCreateDialog(ctx, "42", nil)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first != second {
		t.Errorf("second id = %d, want %d", second, first)
	}

	after := loadDialog(t, db, first).LastActivity
	if after.Before(before) {
		t.Errorf("LastActivity went backwards: %v -> %v", before, after)
	}
	if !after.After(before) {
		t.Errorf("LastActivity not bumped: %v -> %v", before, after)
	}

	var count int64
	db.Model(&models.Dialog{}).Count(&count)
	if count != 1 {
		t.Errorf("dialog rows = %d, want 1", count)
	}
}

func TestResolveOrCreateDialog_TagSetOnce(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	id, _ := store.ResolveOrCreateDialog(ctx, "42", nil)
	if d := loadDialog(t, db, id); d.DisplayTag != nil {
		t.Fatalf("DisplayTag = %q, want nil", *d.DisplayTag)
	}

	store.ResolveOrCreateDialog(ctx, "42", strPtr("@first"))
	if got := loadDialog(t, db, id).Tag(); got != "@first" {
		t.Errorf("tag after first disclosure = %q, want @first", got)
	}

	store.ResolveOrCreateDialog(ctx, "42", nil)
	if got := loadDialog(t, db, id).Tag(); got != "@first" {
		t.Errorf("tag after message without handle = %q, want @first", got)
	}

	store.ResolveOrCreateDialog(ctx, "42", strPtr("@second"))
	if got := loadDialog(t, db, id).Tag(); got != "@first" {
		t.Errorf("tag after second disclosure = %q, want @first (first write wins)", got)
	}
}

func TestResolveOrCreateDialog_TagOnCreation(t *testing.T) {
	store, db := newTestStore(t)
	id, err := store.ResolveOrCreateDialog(context.Background(), "7", strPtr("@nick"))
	if err != nil {
		t.Fatalf("ResolveOrCreateDialog: %v", err)
	}
	if got := loadDialog(t, db, id).Tag(); got != "@nick" {
		t.Errorf("tag = %q, want @nick", got)
	}
}

func TestResolveOrCreateDialog_ConcurrentDistinctUsers(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	const n = 20
	ids := make([]uint, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = store.ResolveOrCreateDialog(ctx, fmt.Sprintf("user-%d", i), nil)
		}(i)
	}
	wg.Wait()

	seen := make(map[uint]bool)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("user-%d: %v", i, errs[i])
		}
		if seen[ids[i]] {
			t.Errorf("dialog id %d returned twice", ids[i])
		}
		seen[ids[i]] = true
	}

	var count int64
	db.Model(&models.Dialog{}).Count(&count)
	if count != n {
		t.Errorf("dialog rows = %d, want %d", count, n)
	}
}

func TestResolveOrCreateDialog_ConcurrentSameUser(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	const n = 10
	ids := make([]uint, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := store.ResolveOrCreateDialog(ctx, "42", nil)
			if err != nil {
				t.Errorf("call %d: %v", i, err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Errorf("call %d id = %d, want %d", i, ids[i], ids[0])
		}
	}
	var count int64
	db.Model(&models.Dialog{}).Count(&count)
	if count != 1 {
		t.Errorf("dialog rows = %d, want 1", count)
	}
}

func TestResolveOrCreateDialog_IDsNotReused(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	a, _ := store.ResolveOrCreateDialog(ctx, "a", nil)
	b, _ := store.ResolveOrCreateDialog(ctx, "b", nil)
	if b <= a {
		t.Errorf("second id %d not greater than first %d", b, a)
	}
	_ = db
}

// ---------------------------------------------------------------------------
// AppendMessage / ListMessages
// ---------------------------------------------------------------------------

func TestAppendMessage_UnknownDialog(t *testing.T) {
	store, db := newTestStore(t)

	_, err := store.AppendMessage(context.Background(), 99, false, "hi", "", "")
	if !errors.Is(err, ErrDialogNotFound) {
		t.Fatalf("err = %v, want ErrDialogNotFound", err)
	}

	var count int64
	db.Model(&models.DialogMessage{}).Count(&count)
	if count != 0 {
		t.Errorf("message rows = %d, want 0", count)
	}
}

func TestAppendMessage_RecordsFields(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	id, _ := store.ResolveOrCreateDialog(ctx, "42", nil)

	msgID, err := store.AppendMessage(ctx, id, false, "look", "file-1", models.MediaPhoto)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if msgID == 0 {
		t.Error("message id = 0, want non-zero")
	}

	var m models.DialogMessage
	if err := db.First(&m, msgID).Error; err != nil {
		t.Fatalf("load message: %v", err)
	}
	if m.DialogID != id || m.FromAdmin || m.Text != "look" {
		t.Errorf("message = %+v", m)
	}
	if m.MediaID != "file-1" || m.MediaType != models.MediaPhoto {
		t.Errorf("media = %q/%q, want file-1/photo", m.MediaID, m.MediaType)
	}
	if m.SentAt.IsZero() {
		t.Error("SentAt is zero")
	}
}

func TestListMessages_OrderAndLimit(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	id, _ := store.ResolveOrCreateDialog(ctx, "42", nil)

	for i, text := range []string{"one", "two", "three", "four"} {
		if _, err := store.AppendMessage(ctx, id, i%2 == 1, text, "", ""); err != nil {
			t.Fatalf("append %s: %v", text, err)
		}
	}

	all, err := store.ListMessages(ctx, id, 50)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len = %d, want 4", len(all))
	}
	for i, want := range []string{"one", "two", "three", "four"} {
		if all[i].Text != want {
			t.Errorf("all[%d].Text = %q, want %q", i, all[i].Text, want)
		}
	}
	if all[0].FromAdmin || !all[1].FromAdmin {
		t.Errorf("direction flags wrong: %v %v", all[0].FromAdmin, all[1].FromAdmin)
	}

	two, _ := store.ListMessages(ctx, id, 2)
	if len(two) != 2 || two[0].Text != "one" || two[1].Text != "two" {
		t.Errorf("limited = %+v, want oldest two", two)
	}
}

func TestListMessages_TiesBrokenByInsertion(t *testing.T) {
	db := openTestDB(t)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store, _ := NewDialogStore(DialogStoreOpts{DB: db, Now: func() time.Time { return fixed }})
	ctx := context.Background()
	id, _ := store.ResolveOrCreateDialog(ctx, "42", nil)

	store.AppendMessage(ctx, id, false, "a", "", "")
	store.AppendMessage(ctx, id, true, "b", "", "")
	store.AppendMessage(ctx, id, false, "c", "", "")

	msgs, _ := store.ListMessages(ctx, id, 0)
	if len(msgs) != 3 || msgs[0].Text != "a" || msgs[1].Text != "b" || msgs[2].Text != "c" {
		t.Errorf("messages = %+v, want a,b,c", msgs)
	}
}

// ---------------------------------------------------------------------------
// ListActiveDialogs / GetDialog / CountUserMessagesSince
// ---------------------------------------------------------------------------

func TestListActiveDialogs_MostRecentFirst(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	a, _ := store.ResolveOrCreateDialog(ctx, "a", nil)
	b, _ := store.ResolveOrCreateDialog(ctx, "b", nil)
	c, _ := store.ResolveOrCreateDialog(ctx, "c", nil)
	store.ResolveOrCreateDialog(ctx, "a", nil) // a becomes most recent

	db.Model(&models.Dialog{}).Where("dialog_id = ?", c).Update("is_active", false)

	dialogs, err := store.ListActiveDialogs(ctx)
	if err != nil {
		t.Fatalf("ListActiveDialogs: %v", err)
	}
	if len(dialogs) != 2 {
		t.Fatalf("len = %d, want 2 (inactive excluded)", len(dialogs))
	}
	if dialogs[0].ID != a || dialogs[1].ID != b {
		t.Errorf("order = [%d %d], want [%d %d]", dialogs[0].ID, dialogs[1].ID, a, b)
	}
}

func TestGetDialog(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	id, _ := store.ResolveOrCreateDialog(ctx, "42", strPtr("@x"))

	d, err := store.GetDialog(ctx, id)
	if err != nil {
		t.Fatalf("GetDialog: %v", err)
	}
	if d.Tag() != "@x" {
		t.Errorf("tag = %q, want @x", d.Tag())
	}

	if _, err := store.GetDialog(ctx, 999); !errors.Is(err, ErrDialogNotFound) {
		t.Errorf("err = %v, want ErrDialogNotFound", err)
	}
}

func TestCountUserMessagesSince(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	id, _ := store.ResolveOrCreateDialog(ctx, "42", nil)

	store.AppendMessage(ctx, id, false, "u1", "", "")
	store.AppendMessage(ctx, id, true, "admin", "", "")
	store.AppendMessage(ctx, id, false, "u2", "", "")

	n, err := store.CountUserMessagesSince(ctx, time.Time{})
	if err != nil {
		t.Fatalf("CountUserMessagesSince: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	n, _ = store.CountUserMessagesSince(ctx, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	if n != 0 {
		t.Errorf("future count = %d, want 0", n)
	}
}
