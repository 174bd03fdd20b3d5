package quotes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/apperrors"
	"github.com/MarcoPoloResearchLab/parley/internal/messages"
	"github.com/MarcoPoloResearchLab/parley/internal/notify"
	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
)

func TestQuoteHappyPath(t *testing.T) {
	harness := newEngineHarness(t, "Q-HAPPY001")
	ctx := context.Background()

	created := harness.createQuote(t, "")
	if created.Quote.Status != StatusRequested || created.Quote.Version != 1 {
		t.Fatalf("unexpected created quote %+v", created.Quote)
	}
	if created.Quote.Ref != "Q-HAPPY001" {
		t.Fatalf("unexpected ref %q", created.Quote.Ref)
	}
	if created.Message.Text != "Requested a quote for Gold Package" || created.Message.SenderID != testBuyerID {
		t.Fatalf("unexpected initial message %+v", created.Message)
	}
	if created.Message.ConversationID != created.ConversationID || created.Quote.ConversationID != created.ConversationID {
		t.Fatalf("quote and message must share the conversation")
	}

	priced, err := harness.engine.SetProviderFinalPrice(ctx, FinalPriceInput{
		QuoteID: created.Quote.ID,
		ActorID: testProviderID,
		Price:   5000,
		Message: "Includes setup",
	})
	if err != nil {
		t.Fatalf("set final price failed: %v", err)
	}
	if priced.Status != StatusNegotiating || priced.Version != 2 || *priced.ProviderFinalPrice != 5000 {
		t.Fatalf("unexpected priced quote %+v", priced)
	}

	accepted, err := harness.engine.Decide(ctx, DecisionInput{
		QuoteID:         created.Quote.ID,
		ActorID:         testBuyerID,
		Decision:        DecisionAccepted,
		ExpectedVersion: priced.Version,
	})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if accepted.Status != StatusAccepted || accepted.Version != 3 {
		t.Fatalf("unexpected accepted quote %+v", accepted)
	}

	stored, err := harness.engine.Get(ctx, created.Quote.ID, testProviderID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != StatusAccepted || stored.Version != 3 || *stored.ProviderFinalPrice != 5000 {
		t.Fatalf("unexpected stored quote %+v", stored)
	}
	if *stored.ProviderMessage != "Includes setup" || stored.Package.Data().Name != "Gold Package" {
		t.Fatalf("unexpected stored details %+v", stored)
	}

	intents := harness.emitter.snapshot()
	expected := []struct {
		recipient string
		kind      notify.Kind
	}{
		{testProviderID, notify.KindQuoteRequested},
		{testBuyerID, notify.KindQuoteUpdated},
		{testProviderID, notify.KindQuoteUpdated},
	}
	if len(intents) != len(expected) {
		t.Fatalf("expected %d intents, got %d: %+v", len(expected), len(intents), intents)
	}
	for index, want := range expected {
		if intents[index].RecipientID != want.recipient || intents[index].Kind != want.kind {
			t.Fatalf("intent %d: expected %s/%s, got %+v", index, want.recipient, want.kind, intents[index])
		}
	}

	var messageEvents, quoteEvents int
	for _, event := range harness.publisher.snapshot() {
		switch event.Type {
		case realtime.EventMessageCreated:
			messageEvents++
		case realtime.EventQuoteUpdated:
			quoteEvents++
		}
	}
	if messageEvents != 1 || quoteEvents != 3 {
		t.Fatalf("expected 1 message and 3 quote events, got %d and %d", messageEvents, quoteEvents)
	}
}

func TestCreateUsesNoteAsInitialMessage(t *testing.T) {
	harness := newEngineHarness(t)
	created := harness.createQuote(t, "  Could you do June 14?  ")
	if created.Message.Text != "Could you do June 14?" {
		t.Fatalf("unexpected initial message %q", created.Message.Text)
	}

	second := harness.createQuote(t, "")
	if second.ConversationID != created.ConversationID {
		t.Fatalf("expected both quotes in the same conversation")
	}
	if second.Message.Seq != created.Message.Seq+1 {
		t.Fatalf("expected initial messages to be sequenced, got %d then %d", created.Message.Seq, second.Message.Seq)
	}
}

func TestCreateValidatesInput(t *testing.T) {
	harness := newEngineHarness(t)
	ctx := context.Background()

	cases := []CreateInput{
		{BuyerID: testBuyerID, ProviderID: testProviderID, Package: PackageDescriptor{Name: " "}},
		{BuyerID: testBuyerID, ProviderID: testProviderID, Package: PackageDescriptor{Name: "A", BasePrice: -1}},
		{BuyerID: testBuyerID, ProviderID: testProviderID, Package: PackageDescriptor{Name: "A", PricingMode: "bartering"}},
		{BuyerID: testBuyerID, ProviderID: testBuyerID, Package: PackageDescriptor{Name: "A"}},
		{BuyerID: "", ProviderID: testProviderID, Package: PackageDescriptor{Name: "A"}},
	}
	for index, input := range cases {
		if _, err := harness.engine.Create(ctx, input); !apperrors.IsKind(err, apperrors.KindValidation) {
			t.Fatalf("case %d: expected validation error, got %v", index, err)
		}
	}
}

func TestCreateRollsBackQuoteWhenMessageFails(t *testing.T) {
	harness := newEngineHarness(t)
	if err := harness.db.Migrator().DropTable(&messages.Message{}); err != nil {
		t.Fatalf("failed to drop messages table: %v", err)
	}

	_, err := harness.engine.Create(context.Background(), CreateInput{
		BuyerID:    testBuyerID,
		ProviderID: testProviderID,
		Package:    PackageDescriptor{Name: "Silver"},
	})
	if err == nil {
		t.Fatal("expected create to fail")
	}
	var count int64
	if err := harness.db.Model(&Quote{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count quotes: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected quote insert to roll back, found %d quotes", count)
	}
	if len(harness.emitter.snapshot()) != 0 || len(harness.publisher.snapshot()) != 0 {
		t.Fatalf("failed create must not publish or notify")
	}
}

func TestCreateRetriesOnReferenceCollision(t *testing.T) {
	harness := newEngineHarness(t, "Q-SAME0001", "Q-SAME0001", "Q-NEXT0002")
	first := harness.createQuote(t, "")
	second := harness.createQuote(t, "")
	if first.Quote.Ref != "Q-SAME0001" || second.Quote.Ref != "Q-NEXT0002" {
		t.Fatalf("unexpected refs %q and %q", first.Quote.Ref, second.Quote.Ref)
	}
	var count int64
	harness.db.Model(&messages.Message{}).Count(&count)
	if count != 2 {
		t.Fatalf("expected exactly two initial messages, got %d", count)
	}
}

func TestTransitionLegality(t *testing.T) {
	harness := newEngineHarness(t)
	ctx := context.Background()
	created := harness.createQuote(t, "")
	quoteID := created.Quote.ID

	if _, err := harness.engine.Decide(ctx, DecisionInput{QuoteID: quoteID, ActorID: testBuyerID, Decision: DecisionAccepted}); !apperrors.IsKind(err, apperrors.KindConflict) {
		t.Fatalf("expected conflict deciding a requested quote, got %v", err)
	}
	if _, err := harness.engine.SetProviderFinalPrice(ctx, FinalPriceInput{QuoteID: quoteID, ActorID: testBuyerID, Price: 100}); !apperrors.IsKind(err, apperrors.KindAuthorization) {
		t.Fatalf("expected authorization error for buyer pricing, got %v", err)
	}
	if _, err := harness.engine.SetProviderFinalPrice(ctx, FinalPriceInput{QuoteID: quoteID, ActorID: "stranger", Price: 100}); !apperrors.IsKind(err, apperrors.KindAuthorization) {
		t.Fatalf("expected authorization error for stranger, got %v", err)
	}
	if _, err := harness.engine.SetProviderFinalPrice(ctx, FinalPriceInput{QuoteID: quoteID, ActorID: testProviderID, Price: 0}); !apperrors.IsKind(err, apperrors.KindValidation) {
		t.Fatalf("expected validation error for zero price, got %v", err)
	}
	if _, err := harness.engine.SetProviderFinalPrice(ctx, FinalPriceInput{QuoteID: "quote-missing", ActorID: testProviderID, Price: 10}); !apperrors.IsKind(err, apperrors.KindNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}

	first, err := harness.engine.SetProviderFinalPrice(ctx, FinalPriceInput{QuoteID: quoteID, ActorID: testProviderID, Price: 100, Message: "first"})
	if err != nil {
		t.Fatalf("first price failed: %v", err)
	}
	revised, err := harness.engine.SetProviderFinalPrice(ctx, FinalPriceInput{QuoteID: quoteID, ActorID: testProviderID, Price: 90})
	if err != nil {
		t.Fatalf("revision failed: %v", err)
	}
	if revised.Status != StatusNegotiating || revised.Version != first.Version+1 || *revised.ProviderFinalPrice != 90 || revised.ProviderMessage != nil {
		t.Fatalf("unexpected revision %+v", revised)
	}

	if _, err := harness.engine.Decide(ctx, DecisionInput{QuoteID: quoteID, ActorID: testProviderID, Decision: DecisionAccepted}); !apperrors.IsKind(err, apperrors.KindAuthorization) {
		t.Fatalf("expected authorization error for provider deciding, got %v", err)
	}
	if _, err := harness.engine.Decide(ctx, DecisionInput{QuoteID: quoteID, ActorID: testBuyerID, Decision: "maybe"}); !apperrors.IsKind(err, apperrors.KindValidation) {
		t.Fatalf("expected validation error for unknown decision, got %v", err)
	}

	declined, err := harness.engine.Decide(ctx, DecisionInput{QuoteID: quoteID, ActorID: testBuyerID, Decision: DecisionDeclined})
	if err != nil {
		t.Fatalf("decline failed: %v", err)
	}
	if !declined.Status.Terminal() {
		t.Fatalf("expected terminal status, got %s", declined.Status)
	}

	if _, err := harness.engine.SetProviderFinalPrice(ctx, FinalPriceInput{QuoteID: quoteID, ActorID: testProviderID, Price: 80}); !apperrors.IsKind(err, apperrors.KindConflict) {
		t.Fatalf("expected conflict pricing a terminal quote, got %v", err)
	}
	if _, err := harness.engine.Decide(ctx, DecisionInput{QuoteID: quoteID, ActorID: testBuyerID, Decision: DecisionAccepted}); !apperrors.IsKind(err, apperrors.KindConflict) {
		t.Fatalf("expected conflict deciding twice, got %v", err)
	}
	if _, err := harness.engine.Expire(ctx, quoteID); !apperrors.IsKind(err, apperrors.KindConflict) {
		t.Fatalf("expected conflict expiring a terminal quote, got %v", err)
	}

	stored, err := harness.engine.Get(ctx, quoteID, testBuyerID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != StatusDeclined || *stored.ProviderFinalPrice != 90 {
		t.Fatalf("terminal quote changed: %+v", stored)
	}
}

func TestStaleExpectedVersionIsRejected(t *testing.T) {
	harness := newEngineHarness(t)
	ctx := context.Background()
	created := harness.createQuote(t, "")

	priced, err := harness.engine.SetProviderFinalPrice(ctx, FinalPriceInput{QuoteID: created.Quote.ID, ActorID: testProviderID, Price: 700, ExpectedVersion: 1})
	if err != nil {
		t.Fatalf("price failed: %v", err)
	}
	_, err = harness.engine.Decide(ctx, DecisionInput{QuoteID: created.Quote.ID, ActorID: testBuyerID, Decision: DecisionAccepted, ExpectedVersion: 1})
	if !apperrors.IsKind(err, apperrors.KindConflict) {
		t.Fatalf("expected conflict for a decision on a stale version, got %v", err)
	}
	if _, err := harness.engine.Decide(ctx, DecisionInput{QuoteID: created.Quote.ID, ActorID: testBuyerID, Decision: DecisionAccepted, ExpectedVersion: priced.Version}); err != nil {
		t.Fatalf("decision on the current version failed: %v", err)
	}
}

func TestConcurrentPriceAndDecisionHaveOneWinner(t *testing.T) {
	for round := 0; round < 10; round++ {
		harness := newEngineHarness(t)
		ctx := context.Background()
		created := harness.createQuote(t, "")
		priced, err := harness.engine.SetProviderFinalPrice(ctx, FinalPriceInput{QuoteID: created.Quote.ID, ActorID: testProviderID, Price: 1000})
		if err != nil {
			t.Fatalf("price failed: %v", err)
		}

		var waitGroup sync.WaitGroup
		start := make(chan struct{})
		var priceErr, decisionErr error
		waitGroup.Add(2)
		go func() {
			defer waitGroup.Done()
			<-start
			_, priceErr = harness.engine.SetProviderFinalPrice(ctx, FinalPriceInput{
				QuoteID: created.Quote.ID, ActorID: testProviderID, Price: 1200, ExpectedVersion: priced.Version,
			})
		}()
		go func() {
			defer waitGroup.Done()
			<-start
			_, decisionErr = harness.engine.Decide(ctx, DecisionInput{
				QuoteID: created.Quote.ID, ActorID: testBuyerID, Decision: DecisionAccepted, ExpectedVersion: priced.Version,
			})
		}()
		close(start)
		waitGroup.Wait()

		stored, err := harness.engine.Get(ctx, created.Quote.ID, testBuyerID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		switch {
		case priceErr == nil && decisionErr != nil:
			if !apperrors.IsKind(decisionErr, apperrors.KindConflict) {
				t.Fatalf("expected decision conflict, got %v", decisionErr)
			}
			if stored.Status != StatusNegotiating || *stored.ProviderFinalPrice != 1200 {
				t.Fatalf("price won but stored %+v", stored)
			}
		case decisionErr == nil && priceErr != nil:
			if !apperrors.IsKind(priceErr, apperrors.KindConflict) {
				t.Fatalf("expected price conflict, got %v", priceErr)
			}
			if stored.Status != StatusAccepted || *stored.ProviderFinalPrice != 1000 {
				t.Fatalf("decision won but stored %+v", stored)
			}
		default:
			t.Fatalf("expected exactly one winner, got price=%v decision=%v", priceErr, decisionErr)
		}
		if stored.Version != priced.Version+1 {
			t.Fatalf("expected exactly one version bump, got %d", stored.Version)
		}
	}
}

func TestGetAndListAreParticipantOnly(t *testing.T) {
	harness := newEngineHarness(t)
	ctx := context.Background()
	first := harness.createQuote(t, "")
	harness.clock.Advance(time.Second)
	second := harness.createQuote(t, "")

	if _, err := harness.engine.Get(ctx, first.Quote.ID, "stranger"); !apperrors.IsKind(err, apperrors.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	listed, err := harness.engine.ListForConversation(ctx, first.ConversationID, testProviderID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != second.Quote.ID {
		t.Fatalf("unexpected listing %+v", listed)
	}
	if _, err := harness.engine.ListForConversation(ctx, first.ConversationID, "stranger"); !apperrors.IsKind(err, apperrors.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}
