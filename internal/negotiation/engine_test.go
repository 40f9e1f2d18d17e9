package negotiation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mykpoptrade/trade-backend/internal/apperr"
	"github.com/mykpoptrade/trade-backend/internal/models"
	"github.com/mykpoptrade/trade-backend/internal/notify"
)

type fakeStore struct {
	mu       sync.Mutex
	listings map[uuid.UUID]*models.Listing
	convs    map[uuid.UUID]*models.Conversation
	entries  []models.OfferEntry
	messages []models.ConversationMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		listings: make(map[uuid.UUID]*models.Listing),
		convs:    make(map[uuid.UUID]*models.Conversation),
	}
}

func copyConv(c *models.Conversation) *models.Conversation {
	cp := *c
	return &cp
}

func (f *fakeStore) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listings[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "listing not found")
	}
	cp := *l
	return &cp, nil
}

func (f *fakeStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "conversation not found")
	}
	return copyConv(c), nil
}

func (f *fakeStore) FindActiveNegotiation(ctx context.Context, listingID, buyerID uuid.UUID) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.convs {
		if c.Kind == models.KindNegotiation && c.ListingID == listingID && c.BuyerID == buyerID && c.Status.Active() {
			return copyConv(c), nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CreateConversation(ctx context.Context, conv *models.Conversation, first *models.OfferEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[conv.ID] = copyConv(conv)
	if first != nil {
		f.entries = append(f.entries, *first)
	}
	return nil
}

func (f *fakeStore) OpenPWYW(ctx context.Context, conv *models.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listings[conv.ListingID]
	if !ok {
		return apperr.New(apperr.CodeNotFound, "listing not found")
	}
	l.IsPayWhatYouWant = true
	l.PWYWMinPrice = conv.MinimumPrice
	l.PWYWMaxPrice = conv.MaximumPrice
	f.convs[conv.ID] = copyConv(conv)
	return nil
}

func (f *fakeStore) UpdateNegotiation(ctx context.Context, conv *models.Conversation, expect models.NegotiationStatus, stampOffers string, newEntry *models.OfferEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.convs[conv.ID]
	if !ok {
		return apperr.New(apperr.CodeNotFound, "conversation not found")
	}
	if stored.Status != expect {
		return apperr.New(apperr.CodeAlreadyFinalized, "conversation was already finalized")
	}
	f.convs[conv.ID] = copyConv(conv)
	if stampOffers != "" {
		for i := range f.entries {
			if f.entries[i].ConversationID == conv.ID && f.entries[i].RespondedAt == nil {
				f.entries[i].Status = stampOffers
				at := conv.UpdatedAt
				f.entries[i].RespondedAt = &at
			}
		}
	}
	if newEntry != nil {
		f.entries = append(f.entries, *newEntry)
	}
	return nil
}

func (f *fakeStore) UpdatePWYW(ctx context.Context, conv *models.Conversation, expect models.PWYWStatus, stampOffers string, newEntry *models.OfferEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.convs[conv.ID]
	if !ok {
		return apperr.New(apperr.CodeNotFound, "conversation not found")
	}
	if stored.PWYWStatus != expect {
		return apperr.New(apperr.CodeAlreadyFinalized, "conversation was already finalized")
	}
	f.convs[conv.ID] = copyConv(conv)
	if newEntry != nil {
		f.entries = append(f.entries, *newEntry)
	}
	return nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, msg *models.ConversationMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, *msg)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, n notify.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
}

func (f *fakeNotifier) count(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.Type == typ {
			n++
		}
	}
	return n
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decP(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func newTestListing(store *fakeStore, price string, allowOffers bool, minPct int) *models.Listing {
	l := &models.Listing{
		ID:                 uuid.New(),
		SellerID:           uuid.New(),
		Title:              "photocard binder",
		Price:              dec(price),
		Currency:           "EUR",
		AllowOffers:        allowOffers,
		MinOfferPercentage: minPct,
		IsAvailable:        true,
	}
	store.listings[l.ID] = l
	return l
}

func newTestEngine(store *fakeStore) (*Engine, *fakeNotifier) {
	notifier := &fakeNotifier{}
	e := NewEngine(store, notifier, 48*time.Hour)
	return e, notifier
}

func TestEngine_Start_rejectsWhenOffersDisallowed(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	listing := newTestListing(store, "100", false, 50)
	e, _ := newTestEngine(store)

	_, err := e.Start(context.Background(), listing.ID, uuid.New(), dec("60"), "")
	if !apperr.IsCode(err, apperr.CodeInvalidOffer) {
		t.Fatalf("got %v, want InvalidOffer", err)
	}
}

func TestEngine_Start_validation(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	listing := newTestListing(store, "100", true, 50)
	e, _ := newTestEngine(store)
	buyer := uuid.New()

	tests := []struct {
		name  string
		buyer uuid.UUID
		offer decimal.Decimal
	}{
		{"seller offers on own listing", listing.SellerID, dec("60")},
		{"zero offer", buyer, dec("0")},
		{"negative offer", buyer, dec("-5")},
		{"offer below floor", buyer, dec("40")},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := e.Start(context.Background(), listing.ID, tt.buyer, tt.offer, "")
			if !apperr.IsCode(err, apperr.CodeInvalidOffer) {
				t.Errorf("got %v, want InvalidOffer", err)
			}
		})
	}
}

func TestEngine_Start_createsPendingNegotiation(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	listing := newTestListing(store, "100", true, 50)
	e, notifier := newTestEngine(store)
	buyer := uuid.New()

	conv, err := e.Start(context.Background(), listing.ID, buyer, dec("60"), "would you take 60?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if conv.Status != models.NegotiationPending {
		t.Errorf("status = %s, want pending", conv.Status)
	}
	if !conv.CurrentOffer.Equal(dec("60")) {
		t.Errorf("currentOffer = %s, want 60", conv.CurrentOffer)
	}
	if conv.ExpiresAt == nil {
		t.Error("expiresAt not set")
	}
	if len(store.entries) != 1 || store.entries[0].OfferType != models.OfferInitial {
		t.Errorf("expected one initial offer entry, got %+v", store.entries)
	}
	if notifier.count(notify.TypeOfferReceived) != 1 {
		t.Errorf("seller notification count = %d, want 1", notifier.count(notify.TypeOfferReceived))
	}
}

func TestEngine_Start_duplicateReturnsExisting(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	listing := newTestListing(store, "100", true, 0)
	e, _ := newTestEngine(store)
	buyer := uuid.New()

	first, err := e.Start(context.Background(), listing.ID, buyer, dec("60"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := e.Start(context.Background(), listing.ID, buyer, dec("70"), "")
	if err != nil {
		t.Fatalf("duplicate start should be idempotent, got %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected the existing negotiation back, got a new one")
	}
	if len(store.entries) != 1 {
		t.Errorf("duplicate start appended entries: %d", len(store.entries))
	}
}

func TestEngine_Start_afterExpiryOpensFresh(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	listing := newTestListing(store, "100", true, 0)
	e, _ := newTestEngine(store)
	buyer := uuid.New()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	first, err := e.Start(context.Background(), listing.ID, buyer, dec("60"), "")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}

	// Past the deadline the old negotiation is dead; a new start must expire
	// it and open a fresh one instead of handing back the corpse.
	e.now = func() time.Time { return base.Add(49 * time.Hour) }

	second, err := e.Start(context.Background(), listing.ID, buyer, dec("70"), "")
	if err != nil {
		t.Fatalf("start after expiry: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("got the expired negotiation back instead of a fresh one")
	}
	if second.Status != models.NegotiationPending {
		t.Errorf("fresh negotiation status = %s, want pending", second.Status)
	}
	if !second.CurrentOffer.Equal(dec("70")) {
		t.Errorf("fresh offer = %s, want 70", second.CurrentOffer)
	}

	stored, _ := store.GetConversation(context.Background(), first.ID)
	if stored.Status != models.NegotiationExpired {
		t.Errorf("old negotiation status = %s, want expired", stored.Status)
	}
}

func TestEngine_Respond_forbiddenForStrangers(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	listing := newTestListing(store, "100", true, 0)
	e, _ := newTestEngine(store)

	conv, _ := e.Start(context.Background(), listing.ID, uuid.New(), dec("60"), "")

	_, err := e.Respond(context.Background(), conv.ID, uuid.New(), ActionAccept, nil)
	if !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("got %v, want Forbidden", err)
	}
}

func TestEngine_Respond_buyerCannotActWithoutCounter(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	listing := newTestListing(store, "100", true, 0)
	e, _ := newTestEngine(store)
	buyer := uuid.New()

	conv, _ := e.Start(context.Background(), listing.ID, buyer, dec("60"), "")

	_, err := e.Respond(context.Background(), conv.ID, buyer, ActionAccept, nil)
	if !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("buyer accept without a counter: got %v, want Forbidden", err)
	}
}

func TestEngine_Respond_counterRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		counter string
		wantErr apperr.Code
	}{
		{"counter below current offer", "50", apperr.CodeInvalidOffer},
		{"counter equal to current offer", "60", apperr.CodeInvalidOffer},
		{"counter at listing price", "100", apperr.CodeInvalidOffer},
		{"counter above listing price", "120", apperr.CodeInvalidOffer},
		{"valid counter", "80", ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := newFakeStore()
			listing := newTestListing(store, "100", true, 0)
			e, _ := newTestEngine(store)
			conv, _ := e.Start(context.Background(), listing.ID, uuid.New(), dec("60"), "")

			got, err := e.Respond(context.Background(), conv.ID, listing.SellerID, ActionCounter, decP(tt.counter))
			if tt.wantErr != "" {
				if !apperr.IsCode(err, tt.wantErr) {
					t.Fatalf("got %v, want %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Status != models.NegotiationPending {
				t.Errorf("status after counter = %s, want pending", got.Status)
			}
			if !got.CounterOffer.Equal(dec(tt.counter)) {
				t.Errorf("counterOffer = %s, want %s", got.CounterOffer, tt.counter)
			}
		})
	}
}

func TestEngine_Respond_counterSequenceStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	listing := newTestListing(store, "100", true, 0)
	e, _ := newTestEngine(store)
	buyer := uuid.New()

	conv, _ := e.Start(context.Background(), listing.ID, buyer, dec("60"), "")

	if _, err := e.Respond(context.Background(), conv.ID, listing.SellerID, ActionCounter, decP("70")); err != nil {
		t.Fatalf("first counter: %v", err)
	}
	// The next counter must exceed the previous counter, not the original offer.
	if _, err := e.Respond(context.Background(), conv.ID, listing.SellerID, ActionCounter, decP("65")); !apperr.IsCode(err, apperr.CodeInvalidOffer) {
		t.Fatalf("non-increasing counter: got %v, want InvalidOffer", err)
	}
	if _, err := e.Respond(context.Background(), conv.ID, listing.SellerID, ActionCounter, decP("85")); err != nil {
		t.Fatalf("increasing counter: %v", err)
	}
}

func TestEngine_Respond_acceptAndReject(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	listing := newTestListing(store, "100", true, 0)
	e, notifier := newTestEngine(store)
	buyer := uuid.New()

	conv, _ := e.Start(context.Background(), listing.ID, buyer, dec("60"), "")

	accepted, err := e.Respond(context.Background(), conv.ID, listing.SellerID, ActionAccept, nil)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != models.NegotiationAccepted {
		t.Errorf("status = %s, want accepted", accepted.Status)
	}
	if price, ok := accepted.AgreedPrice(); !ok || !price.Equal(dec("60")) {
		t.Errorf("agreed price = %v/%t, want 60", price, ok)
	}
	if notifier.count(notify.TypeOfferAccepted) != 1 {
		t.Errorf("accept notification count = %d, want 1", notifier.count(notify.TypeOfferAccepted))
	}

	// A second respond on a finalized negotiation must fail.
	if _, err := e.Respond(context.Background(), conv.ID, listing.SellerID, ActionReject, nil); !apperr.IsCode(err, apperr.CodeAlreadyFinalized) {
		t.Fatalf("respond after accept: got %v, want AlreadyFinalized", err)
	}
}

func TestEngine_Respond_buyerAcceptsCounter(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	listing := newTestListing(store, "100", true, 0)
	e, _ := newTestEngine(store)
	buyer := uuid.New()

	conv, _ := e.Start(context.Background(), listing.ID, buyer, dec("60"), "")
	if _, err := e.Respond(context.Background(), conv.ID, listing.SellerID, ActionCounter, decP("80")); err != nil {
		t.Fatalf("counter: %v", err)
	}

	accepted, err := e.Respond(context.Background(), conv.ID, buyer, ActionAccept, nil)
	if err != nil {
		t.Fatalf("buyer accept: %v", err)
	}
	if price, ok := accepted.AgreedPrice(); !ok || !price.Equal(dec("80")) {
		t.Errorf("agreed price = %v, want the counter 80", price)
	}
}

func TestEngine_Respond_concurrentRespondersOneWins(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	listing := newTestListing(store, "100", true, 0)
	e, _ := newTestEngine(store)

	conv, _ := e.Start(context.Background(), listing.ID, uuid.New(), dec("60"), "")

	// Both responders read the pending snapshot; the conditional write lets
	// exactly one through.
	_, err1 := e.Respond(context.Background(), conv.ID, listing.SellerID, ActionAccept, nil)
	_, err2 := e.Respond(context.Background(), conv.ID, listing.SellerID, ActionReject, nil)

	if err1 != nil {
		t.Fatalf("first respond: %v", err1)
	}
	if !apperr.IsCode(err2, apperr.CodeAlreadyFinalized) {
		t.Fatalf("second respond: got %v, want AlreadyFinalized", err2)
	}
}

func TestEngine_lazyExpiry(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	listing := newTestListing(store, "100", true, 0)
	e, _ := newTestEngine(store)
	buyer := uuid.New()

	conv, _ := e.Start(context.Background(), listing.ID, buyer, dec("60"), "")

	// Move the clock past the deadline.
	e.now = func() time.Time { return time.Now().Add(49 * time.Hour) }

	_, err := e.Respond(context.Background(), conv.ID, listing.SellerID, ActionAccept, nil)
	if !apperr.IsCode(err, apperr.CodeNegotiationExpired) {
		t.Fatalf("respond after deadline: got %v, want NegotiationExpired", err)
	}

	stored, _ := store.GetConversation(context.Background(), conv.ID)
	if stored.Status != models.NegotiationExpired {
		t.Errorf("stored status = %s, want expired", stored.Status)
	}

	// Reads also surface the expired state.
	got, err := e.Get(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.NegotiationExpired {
		t.Errorf("read status = %s, want expired", got.Status)
	}
}

func TestEngine_counterExtendsDeadline(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	listing := newTestListing(store, "100", true, 0)
	e, _ := newTestEngine(store)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	conv, _ := e.Start(context.Background(), listing.ID, uuid.New(), dec("60"), "")
	firstDeadline := *conv.ExpiresAt

	e.now = func() time.Time { return base.Add(24 * time.Hour) }
	countered, err := e.Respond(context.Background(), conv.ID, listing.SellerID, ActionCounter, decP("80"))
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if !countered.ExpiresAt.After(firstDeadline) {
		t.Errorf("counter did not extend expiresAt: %v -> %v", firstDeadline, countered.ExpiresAt)
	}
}
