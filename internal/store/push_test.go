package store

import "testing"

func TestPushSubscribeAndList(t *testing.T) {
	db := setupTestDB(t)
	u := createTestUser(t, db, "push@example.com")
	ps := NewPushStore(db)

	sub, err := ps.CreateSubscription(u.ID, "https://push.example/ep1", "p256dh-key", "auth-key", "Pixel 9")
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if sub.Endpoint != "https://push.example/ep1" {
		t.Errorf("endpoint = %q", sub.Endpoint)
	}
	if sub.DeviceName != "Pixel 9" {
		t.Errorf("device name = %q, want %q", sub.DeviceName, "Pixel 9")
	}

	subs, err := ps.ListByUser(u.ID)
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
}

func TestPushSubscribeSameEndpointUpdatesKeys(t *testing.T) {
	db := setupTestDB(t)
	u := createTestUser(t, db, "push@example.com")
	ps := NewPushStore(db)

	first, err := ps.CreateSubscription(u.ID, "https://push.example/ep1", "old-p", "old-a", "")
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	second, err := ps.CreateSubscription(u.ID, "https://push.example/ep1", "new-p", "new-a", "")
	if err != nil {
		t.Fatalf("re-create subscription: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected same row, got ids %d and %d", first.ID, second.ID)
	}
	if second.P256dhKey != "new-p" {
		t.Errorf("p256dh = %q, want %q", second.P256dhKey, "new-p")
	}

	subs, _ := ps.ListByUser(u.ID)
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription after upsert, got %d", len(subs))
	}
}

func TestPushDeleteByEndpointIdempotent(t *testing.T) {
	db := setupTestDB(t)
	u := createTestUser(t, db, "push@example.com")
	ps := NewPushStore(db)

	ps.CreateSubscription(u.ID, "https://push.example/dead", "p", "a", "")

	if err := ps.DeleteByEndpoint("https://push.example/dead"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Second delete of the same endpoint must not error.
	if err := ps.DeleteByEndpoint("https://push.example/dead"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}

	sub, err := ps.GetByEndpoint("https://push.example/dead")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sub != nil {
		t.Error("expected nil after delete")
	}
}

func TestPushDeleteUserEndpointScopedToUser(t *testing.T) {
	db := setupTestDB(t)
	owner := createTestUser(t, db, "owner@example.com")
	other := createTestUser(t, db, "other@example.com")
	ps := NewPushStore(db)

	ps.CreateSubscription(owner.ID, "https://push.example/ep1", "p", "a", "")

	if err := ps.DeleteUserEndpoint(other.ID, "https://push.example/ep1"); err != nil {
		t.Fatalf("delete as other user: %v", err)
	}
	sub, _ := ps.GetByEndpoint("https://push.example/ep1")
	if sub == nil {
		t.Fatal("subscription should survive delete by non-owner")
	}

	if err := ps.DeleteUserEndpoint(owner.ID, "https://push.example/ep1"); err != nil {
		t.Fatalf("delete as owner: %v", err)
	}
	sub, _ = ps.GetByEndpoint("https://push.example/ep1")
	if sub != nil {
		t.Error("expected nil after owner delete")
	}
}

func TestPushDeleteSubscriptionScopedToUser(t *testing.T) {
	db := setupTestDB(t)
	owner := createTestUser(t, db, "owner@example.com")
	other := createTestUser(t, db, "other@example.com")
	ps := NewPushStore(db)

	sub, _ := ps.CreateSubscription(owner.ID, "https://push.example/ep1", "p", "a", "")

	// Another user cannot delete it.
	if err := ps.DeleteSubscription(sub.ID, other.ID); err != nil {
		t.Fatalf("delete as other user: %v", err)
	}
	got, _ := ps.GetByID(sub.ID, owner.ID)
	if got == nil {
		t.Fatal("subscription should survive delete by non-owner")
	}

	if err := ps.DeleteSubscription(sub.ID, owner.ID); err != nil {
		t.Fatalf("delete as owner: %v", err)
	}
	got, _ = ps.GetByID(sub.ID, owner.ID)
	if got != nil {
		t.Error("expected nil after owner delete")
	}
}
