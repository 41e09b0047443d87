package state

import (
	"fmt"
	"testing"
	"time"

	"perch/pkg/perch"
)

func newMessage(id, channelID, content string) perch.Message {
	return perch.Message{
		ID:        id,
		ChannelID: channelID,
		Content:   content,
		Timestamp: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStoreEnsureUserFirstInsertWins(t *testing.T) {
	t.Parallel()

	store := New(10)

	first, fresh := store.EnsureUser(perch.User{ID: "u1", Username: "finch"})
	if !fresh {
		t.Fatal("first EnsureUser fresh = false, want true")
	}

	second, fresh := store.EnsureUser(perch.User{ID: "u1", Username: "impostor"})
	if fresh {
		t.Fatal("second EnsureUser fresh = true, want false")
	}
	if second != first {
		t.Fatal("second EnsureUser returned a different pointer")
	}
	if second.Username != "finch" {
		t.Fatalf("username = %q, want first insert preserved", second.Username)
	}
}

func TestStoreEnsureChannelInitializesMembers(t *testing.T) {
	t.Parallel()

	store := New(10)

	channel, fresh := store.EnsureChannel(perch.Channel{ID: "c1", Name: "general"})
	if !fresh {
		t.Fatal("EnsureChannel fresh = false, want true")
	}
	if channel.Members == nil {
		t.Fatal("Members map not initialized on insert")
	}

	channel.Members["u1"] = &perch.User{ID: "u1", Username: "finch"}
	cached, exists := store.Channel("c1")
	if !exists {
		t.Fatal("Channel(c1) missing after insert")
	}
	if _, ok := cached.Members["u1"]; !ok {
		t.Fatal("member added through the shared reference not visible")
	}
}

func TestStoreSharedReferencesObserveMutation(t *testing.T) {
	t.Parallel()

	store := New(10)

	inserted, _ := store.AddMessage(newMessage("m1", "c1", "before"))

	updated, exists := store.UpdateMessage("m1", func(message *perch.Message) {
		message.Content = "after"
		message.EditedAt = time.Date(2026, time.March, 1, 12, 5, 0, 0, time.UTC)
	})
	if !exists {
		t.Fatal("UpdateMessage(m1) exists = false, want true")
	}
	if updated != inserted {
		t.Fatal("UpdateMessage returned a different pointer than AddMessage")
	}
	if inserted.Content != "after" {
		t.Fatalf("content through original reference = %q, want %q", inserted.Content, "after")
	}

	snapshot := store.Messages("c1")
	if len(snapshot) != 1 || snapshot[0] != inserted {
		t.Fatal("Messages snapshot does not share the live entry")
	}
}

func TestStoreUpdateMessageUnknownIsNoOp(t *testing.T) {
	t.Parallel()

	store := New(10)

	applied := false
	message, exists := store.UpdateMessage("missing", func(*perch.Message) { applied = true })
	if exists {
		t.Fatal("UpdateMessage(missing) exists = true, want false")
	}
	if message != nil {
		t.Fatalf("UpdateMessage(missing) = %+v, want nil", message)
	}
	if applied {
		t.Fatal("apply ran for an unknown message")
	}
}

func TestStoreAddMessageDuplicateKeepsOriginal(t *testing.T) {
	t.Parallel()

	store := New(10)

	first, _ := store.AddMessage(newMessage("m1", "c1", "original"))
	second, fresh := store.AddMessage(newMessage("m1", "c1", "replay"))
	if fresh {
		t.Fatal("duplicate AddMessage fresh = true, want false")
	}
	if second != first {
		t.Fatal("duplicate AddMessage returned a different pointer")
	}
	if second.Content != "original" {
		t.Fatalf("content = %q, want original preserved", second.Content)
	}
	if got := len(store.Messages("c1")); got != 1 {
		t.Fatalf("sequence length = %d, want 1", got)
	}
}

func TestStoreAddMessageEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	store := New(3)

	for index := 1; index <= 5; index++ {
		id := fmt.Sprintf("m%d", index)
		store.AddMessage(newMessage(id, "c1", "body "+id))
	}

	snapshot := store.Messages("c1")
	if len(snapshot) != 3 {
		t.Fatalf("sequence length = %d, want 3", len(snapshot))
	}
	for index, wantID := range []string{"m3", "m4", "m5"} {
		if snapshot[index].ID != wantID {
			t.Fatalf("sequence[%d] = %s, want %s", index, snapshot[index].ID, wantID)
		}
	}

	if _, exists := store.Message("m1"); exists {
		t.Fatal("evicted message m1 still indexed")
	}
	if _, exists := store.Message("m2"); exists {
		t.Fatal("evicted message m2 still indexed")
	}
	if _, exists := store.Message("m3"); !exists {
		t.Fatal("retained message m3 missing from index")
	}
}

func TestStoreEvictionIsPerChannel(t *testing.T) {
	t.Parallel()

	store := New(2)

	store.AddMessage(newMessage("a1", "c1", "x"))
	store.AddMessage(newMessage("a2", "c1", "x"))
	store.AddMessage(newMessage("b1", "c2", "x"))
	store.AddMessage(newMessage("a3", "c1", "x"))

	if got := len(store.Messages("c1")); got != 2 {
		t.Fatalf("c1 sequence length = %d, want 2", got)
	}
	if got := len(store.Messages("c2")); got != 1 {
		t.Fatalf("c2 sequence length = %d, want 1", got)
	}
	if _, exists := store.Message("b1"); !exists {
		t.Fatal("c2 message evicted by c1 overflow")
	}
}

func TestStoreFullCapacityWindow(t *testing.T) {
	t.Parallel()

	store := New(perch.DefaultMessageCacheSize)

	for index := 1; index <= 51; index++ {
		store.AddMessage(newMessage(fmt.Sprintf("%d", index), "c7", "body"))
	}

	snapshot := store.Messages("c7")
	if len(snapshot) != perch.DefaultMessageCacheSize {
		t.Fatalf("sequence length = %d, want %d", len(snapshot), perch.DefaultMessageCacheSize)
	}
	if snapshot[0].ID != "2" {
		t.Fatalf("oldest retained = %s, want 2", snapshot[0].ID)
	}
	if snapshot[len(snapshot)-1].ID != "51" {
		t.Fatalf("newest retained = %s, want 51", snapshot[len(snapshot)-1].ID)
	}
}

func TestStoreRemoveMessage(t *testing.T) {
	t.Parallel()

	store := New(10)

	store.AddMessage(newMessage("m1", "c1", "x"))
	store.AddMessage(newMessage("m2", "c1", "x"))
	store.AddMessage(newMessage("m3", "c1", "x"))

	if !store.RemoveMessage("m2") {
		t.Fatal("RemoveMessage(m2) = false, want true")
	}
	if store.RemoveMessage("m2") {
		t.Fatal("second RemoveMessage(m2) = true, want false")
	}

	snapshot := store.Messages("c1")
	if len(snapshot) != 2 {
		t.Fatalf("sequence length = %d, want 2", len(snapshot))
	}
	if snapshot[0].ID != "m1" || snapshot[1].ID != "m3" {
		t.Fatalf("sequence = [%s %s], want [m1 m3]", snapshot[0].ID, snapshot[1].ID)
	}
}

func TestStoreRemoveChannelDropsSequence(t *testing.T) {
	t.Parallel()

	store := New(10)

	store.EnsureChannel(perch.Channel{ID: "c1", Name: "general"})
	store.AddMessage(newMessage("m1", "c1", "x"))
	store.AddMessage(newMessage("m2", "c1", "x"))

	if !store.RemoveChannel("c1") {
		t.Fatal("RemoveChannel(c1) = false, want true")
	}
	if _, exists := store.Channel("c1"); exists {
		t.Fatal("channel still cached after removal")
	}
	if _, exists := store.Message("m1"); exists {
		t.Fatal("channel message still indexed after removal")
	}
	if got := store.Messages("c1"); got != nil {
		t.Fatalf("Messages(c1) = %v, want nil", got)
	}
}

func TestStoreClear(t *testing.T) {
	t.Parallel()

	store := New(10)

	store.EnsureUser(perch.User{ID: "u1", Username: "finch"})
	store.EnsureChannel(perch.Channel{ID: "c1"})
	store.EnsurePresence(perch.Presence{UserID: "u1", Status: perch.PresenceOnline})
	store.AddMessage(newMessage("m1", "c1", "x"))

	store.Clear()

	if _, exists := store.User("u1"); exists {
		t.Fatal("user survived Clear")
	}
	if _, exists := store.Channel("c1"); exists {
		t.Fatal("channel survived Clear")
	}
	if _, exists := store.Presence("u1"); exists {
		t.Fatal("presence survived Clear")
	}
	if _, exists := store.Message("m1"); exists {
		t.Fatal("message survived Clear")
	}
	if got := store.Messages("c1"); got != nil {
		t.Fatalf("Messages(c1) = %v, want nil", got)
	}

	if _, fresh := store.EnsureUser(perch.User{ID: "u1", Username: "finch"}); !fresh {
		t.Fatal("EnsureUser after Clear fresh = false, want true")
	}
}
