//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"command-codes/internal/domain"
	"command-codes/internal/domain/model"
	"command-codes/internal/infra/db/filestore"
	"command-codes/internal/usecase"
)

func newRegistry(store *MockRecordStore, gen usecase.TokenGenerator, opts usecase.RegistryOptions) *usecase.CodeRegistry {
	if opts.MaxGenerateAttempts == 0 {
		opts.MaxGenerateAttempts = 50
	}
	return usecase.NewCodeRegistry(store, gen, opts, newTestLogger())
}

func tokens(codes []*model.Code) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = c.Token
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCodeRegistry_HealScenario(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(NewMockRecordStore(), seqTokens("h1"), usecase.RegistryOptions{})

	code, err := reg.Generate(ctx, "heal", 2)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if code.Token != "h1" || code.Payload != "heal" || code.UsesAllowed != 2 || len(code.Redeemers) != 0 {
		t.Fatalf("unexpected code: %+v", code)
	}

	got, err := reg.Redeem(ctx, "A", "h1")
	if err != nil {
		t.Fatalf("first redeem failed: %v", err)
	}
	if got.IsSpent() {
		t.Fatal("code should still be active after one of two uses")
	}
	if _, err := reg.LookupActive("h1"); err != nil {
		t.Fatalf("code should be active: %v", err)
	}

	got, err = reg.Redeem(ctx, "B", "h1")
	if err != nil {
		t.Fatalf("second redeem failed: %v", err)
	}
	if !got.IsSpent() {
		t.Fatal("code should be spent after the last use")
	}
	if _, err := reg.LookupActive("h1"); !errors.Is(err, domain.ErrCodeNotFound) {
		t.Fatalf("spent code must leave the active set, got %v", err)
	}
	spent, err := reg.LookupSpent("h1")
	if err != nil {
		t.Fatalf("LookupSpent failed: %v", err)
	}
	if want := []model.PrincipalID{"A", "B"}; len(spent.Redeemers) != 2 || spent.Redeemers[0] != want[0] || spent.Redeemers[1] != want[1] {
		t.Errorf("redeemers = %v, want %v", spent.Redeemers, want)
	}

	if _, err := reg.Redeem(ctx, "C", "h1"); !errors.Is(err, domain.ErrCodeNotFound) {
		t.Fatalf("redeeming a spent code must be ErrCodeNotFound, got %v", err)
	}
}

func TestCodeRegistry_KRedemptions(t *testing.T) {
	ctx := context.Background()
	for _, k := range []int{1, 3, 7} {
		t.Run(fmt.Sprintf("uses=%d", k), func(t *testing.T) {
			reg := newRegistry(NewMockRecordStore(), seqTokens("k"), usecase.RegistryOptions{})
			if _, err := reg.Generate(ctx, "give", k); err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			for i := 1; i <= k; i++ {
				c, err := reg.Redeem(ctx, model.PrincipalID(fmt.Sprintf("p%d", i)), "k")
				if err != nil {
					t.Fatalf("redeem %d failed: %v", i, err)
				}
				if c.IsSpent() != (i == k) {
					t.Fatalf("after %d of %d redemptions IsSpent = %v", i, k, c.IsSpent())
				}
			}
			if _, err := reg.Redeem(ctx, "extra", "k"); !errors.Is(err, domain.ErrCodeNotFound) {
				t.Fatalf("k+1-th redeem: want ErrCodeNotFound, got %v", err)
			}
			if s := reg.Stats(); s.Active != 0 || s.Spent != 1 {
				t.Errorf("stats = %+v", s)
			}
		})
	}
}

func TestCodeRegistry_DuplicatePrincipal(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected by default", func(t *testing.T) {
		reg := newRegistry(NewMockRecordStore(), seqTokens("d"), usecase.RegistryOptions{})
		if _, err := reg.Generate(ctx, "p", 3); err != nil {
			t.Fatal(err)
		}
		if _, err := reg.Redeem(ctx, "A", "d"); err != nil {
			t.Fatal(err)
		}
		if _, err := reg.Redeem(ctx, "A", "d"); !errors.Is(err, domain.ErrAlreadyRedeemed) {
			t.Fatalf("want ErrAlreadyRedeemed, got %v", err)
		}
		c, _ := reg.LookupActive("d")
		if len(c.Redeemers) != 1 {
			t.Errorf("redeemers must be unchanged, got %v", c.Redeemers)
		}
	})

	t.Run("allowed when configured", func(t *testing.T) {
		reg := newRegistry(NewMockRecordStore(), seqTokens("d"), usecase.RegistryOptions{AllowMultipleRedemptions: true})
		if _, err := reg.Generate(ctx, "p", 2); err != nil {
			t.Fatal(err)
		}
		if _, err := reg.Redeem(ctx, "A", "d"); err != nil {
			t.Fatal(err)
		}
		c, err := reg.Redeem(ctx, "A", "d")
		if err != nil {
			t.Fatalf("second redeem by same principal should succeed: %v", err)
		}
		if !c.IsSpent() {
			t.Error("code should be spent after two uses")
		}
	})
}

func TestCodeRegistry_RedeemInvalidArgs(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(NewMockRecordStore(), seqTokens("x"), usecase.RegistryOptions{})
	if _, err := reg.Generate(ctx, "p", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Redeem(ctx, "", "x"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("empty principal: got %v", err)
	}
	if _, err := reg.Redeem(ctx, "A", "missing"); !errors.Is(err, domain.ErrCodeNotFound) {
		t.Errorf("unknown token: got %v", err)
	}
}

func TestCodeRegistry_GenerateValidation(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(NewMockRecordStore(), counterTokens(), usecase.RegistryOptions{})

	cases := []struct {
		name    string
		payload string
		uses    int
	}{
		{"zero uses", "p", 0},
		{"negative uses", "p", -2},
		{"empty payload", "", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := reg.Generate(ctx, tc.payload, tc.uses); !errors.Is(err, domain.ErrInvalidArgument) {
				t.Fatalf("want ErrInvalidArgument, got %v", err)
			}
		})
	}
	if s := reg.Stats(); s.Active != 0 || s.Dirty {
		t.Errorf("rejected generation must not change state: %+v", s)
	}
}

func TestCodeRegistry_UniquenessAgainstSpent(t *testing.T) {
	ctx := context.Background()
	store := NewMockRecordStore()
	// the generator offers "a" again after it was spent, then "b"
	reg := newRegistry(store, seqTokens("a", "a", "b"), usecase.RegistryOptions{})

	if _, err := reg.Generate(ctx, "p", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Redeem(ctx, "A", "a"); err != nil {
		t.Fatal(err)
	}
	c, err := reg.Generate(ctx, "p", 1)
	if err != nil {
		t.Fatal(err)
	}
	if c.Token != "b" {
		t.Fatalf("spent token must not be reissued, got %q", c.Token)
	}

	// across save/reload
	if err := reg.Save(ctx); err != nil {
		t.Fatal(err)
	}
	reloaded := newRegistry(store, seqTokens("a", "b", "c"), usecase.RegistryOptions{})
	if err := reloaded.Load(ctx); err != nil {
		t.Fatal(err)
	}
	c, err = reloaded.Generate(ctx, "p", 1)
	if err != nil {
		t.Fatal(err)
	}
	if c.Token != "c" {
		t.Fatalf("token after reload = %q, want c", c.Token)
	}
}

func TestCodeRegistry_Exhaustion(t *testing.T) {
	ctx := context.Background()

	t.Run("capacity full", func(t *testing.T) {
		gen := capped{TokenFunc: seqTokens("1", "2"), capacity: 2}
		reg := newRegistry(NewMockRecordStore(), gen, usecase.RegistryOptions{})
		if _, err := reg.GenerateBatch(ctx, "p", 1, 2); err != nil {
			t.Fatal(err)
		}
		if _, err := reg.Generate(ctx, "p", 1); !errors.Is(err, domain.ErrTokenSpaceExhausted) {
			t.Fatalf("want ErrTokenSpaceExhausted, got %v", err)
		}
	})

	t.Run("attempt cap", func(t *testing.T) {
		same := usecase.TokenFunc(func() (string, error) { return "same", nil })
		reg := newRegistry(NewMockRecordStore(), same, usecase.RegistryOptions{MaxGenerateAttempts: 5})
		if _, err := reg.Generate(ctx, "p", 1); err != nil {
			t.Fatal(err)
		}
		if _, err := reg.Generate(ctx, "p", 1); !errors.Is(err, domain.ErrTokenSpaceExhausted) {
			t.Fatalf("want ErrTokenSpaceExhausted, got %v", err)
		}
	})

	t.Run("numeric generator", func(t *testing.T) {
		gen, err := usecase.NumericTokens(3)
		if err != nil {
			t.Fatal(err)
		}
		reg := newRegistry(NewMockRecordStore(), gen, usecase.RegistryOptions{MaxGenerateAttempts: 10000})
		codes, err := reg.GenerateBatch(ctx, "p", 1, 3)
		if err != nil {
			t.Fatalf("all three numeric tokens should be issuable: %v", err)
		}
		seen := map[string]bool{}
		for _, c := range codes {
			seen[c.Token] = true
		}
		if len(seen) != 3 {
			t.Fatalf("tokens not unique: %v", tokens(codes))
		}
		if _, err := reg.Generate(ctx, "p", 1); !errors.Is(err, domain.ErrTokenSpaceExhausted) {
			t.Fatalf("want ErrTokenSpaceExhausted, got %v", err)
		}
	})

	t.Run("tokens from another generator", func(t *testing.T) {
		store := NewMockRecordStore(
			model.Record{Token: "abc1", Payload: "p", UsesAllowed: 1},
			model.Record{Token: "abc2", Payload: "p", UsesAllowed: 1},
			model.Record{Token: "abc3", Payload: "p", UsesAllowed: 1},
		)
		gen, err := usecase.NumericTokens(3)
		if err != nil {
			t.Fatal(err)
		}
		reg := newRegistry(store, gen, usecase.RegistryOptions{MaxGenerateAttempts: 10000})
		if err := reg.Load(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := reg.GenerateBatch(ctx, "p", 1, 3); err != nil {
			t.Fatalf("alphabet codes must not use up the numeric space: %v", err)
		}
		if _, err := reg.Generate(ctx, "p", 1); !errors.Is(err, domain.ErrTokenSpaceExhausted) {
			t.Fatalf("want ErrTokenSpaceExhausted, got %v", err)
		}
	})
}

func TestCodeRegistry_GenerateBatchAllOrNothing(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(NewMockRecordStore(), seqTokens("a", "b"), usecase.RegistryOptions{})

	if _, err := reg.GenerateBatch(ctx, "p", 1, 3); err == nil {
		t.Fatal("batch should fail when the generator runs dry")
	}
	if s := reg.Stats(); s.Active != 0 || s.Dirty {
		t.Fatalf("failed batch must leave no codes behind: %+v", s)
	}
	if _, err := reg.Lookup("a"); !errors.Is(err, domain.ErrCodeNotFound) {
		t.Fatalf("partial batch token leaked: %v", err)
	}
}

func TestCodeRegistry_Remove(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(NewMockRecordStore(), seqTokens("a", "b"), usecase.RegistryOptions{})
	a, _ := reg.Generate(ctx, "p", 1)
	b, _ := reg.Generate(ctx, "p", 1)
	if _, err := reg.Redeem(ctx, "A", "b"); err != nil {
		t.Fatal(err)
	}

	if reg.Remove(nil) {
		t.Error("Remove(nil) must be false")
	}
	if !reg.Remove(a) {
		t.Error("removing an active code should succeed")
	}
	if !reg.Remove(b) {
		t.Error("removing a spent code should succeed")
	}
	if reg.Remove(a) {
		t.Error("second removal must report false")
	}
	if s := reg.Stats(); s.Active != 0 || s.Spent != 0 {
		t.Errorf("stats after removal = %+v", s)
	}
}

func TestCodeRegistry_SnapshotsAreCopies(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(NewMockRecordStore(), seqTokens("a", "b", "c"), usecase.RegistryOptions{})
	if _, err := reg.GenerateBatch(ctx, "p", 2, 3); err != nil {
		t.Fatal(err)
	}

	active := reg.ActiveCodes()
	if got := tokens(active); !equalStrings(got, []string{"a", "b", "c"}) {
		t.Fatalf("active order = %v", got)
	}
	active[0].Redeemers = append(active[0].Redeemers, "intruder")
	active[0].Payload = "changed"

	c, _ := reg.LookupActive("a")
	if len(c.Redeemers) != 0 || c.Payload != "p" {
		t.Fatalf("snapshot mutation leaked into the registry: %+v", c)
	}

	// spent order follows the order codes became spent
	for _, tok := range []string{"c", "a"} {
		for _, p := range []model.PrincipalID{"A", "B"} {
			if _, err := reg.Redeem(ctx, p, tok); err != nil {
				t.Fatal(err)
			}
		}
	}
	if got := tokens(reg.SpentCodes()); !equalStrings(got, []string{"c", "a"}) {
		t.Fatalf("spent order = %v", got)
	}
	if got := tokens(reg.ActiveCodes()); !equalStrings(got, []string{"b"}) {
		t.Fatalf("active after spending = %v", got)
	}
}

func TestCodeRegistry_CaseInsensitiveTokens(t *testing.T) {
	ctx := context.Background()

	reg := newRegistry(NewMockRecordStore(), seqTokens("AbC", "abc", "xyz"), usecase.RegistryOptions{CaseInsensitive: true})
	if _, err := reg.Generate(ctx, "p", 1); err != nil {
		t.Fatal(err)
	}
	c, err := reg.LookupActive("ABC")
	if err != nil {
		t.Fatalf("case-insensitive lookup failed: %v", err)
	}
	if c.Token != "AbC" {
		t.Errorf("stored token should keep its spelling, got %q", c.Token)
	}
	c, err = reg.Generate(ctx, "p", 1)
	if err != nil {
		t.Fatal(err)
	}
	if c.Token != "xyz" {
		t.Errorf("abc collides with AbC, want xyz, got %q", c.Token)
	}

	strict := newRegistry(NewMockRecordStore(), seqTokens("AbC"), usecase.RegistryOptions{})
	if _, err := strict.Generate(ctx, "p", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := strict.LookupActive("abc"); !errors.Is(err, domain.ErrCodeNotFound) {
		t.Errorf("case-sensitive lookup should miss, got %v", err)
	}
}

func TestCodeRegistry_ConcurrentRedeem(t *testing.T) {
	ctx := context.Background()
	const uses = 10
	const principals = 50
	reg := newRegistry(NewMockRecordStore(), seqTokens("hot"), usecase.RegistryOptions{})
	if _, err := reg.Generate(ctx, "p", uses); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, notFound := 0, 0
	for i := 0; i < principals; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reg.Redeem(ctx, model.PrincipalID(fmt.Sprintf("p%d", i)), "hot")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrCodeNotFound):
				notFound++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok != uses || notFound != principals-uses {
		t.Fatalf("ok=%d notFound=%d, want %d/%d", ok, notFound, uses, principals-uses)
	}
	c, err := reg.LookupSpent("hot")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Redeemers) != uses {
		t.Errorf("redeemers = %d, want %d", len(c.Redeemers), uses)
	}
}

func TestCodeRegistry_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMockRecordStore()
	reg := newRegistry(store, seqTokens("a", "b", "c"), usecase.RegistryOptions{})
	if _, err := reg.Generate(ctx, "heal", 2); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Generate(ctx, "give diamond", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Generate(ctx, "say hi", 3); err != nil {
		t.Fatal(err)
	}
	for _, r := range []struct {
		p   model.PrincipalID
		tok string
	}{{"X", "a"}, {"Y", "b"}, {"Z", "c"}, {"W", "c"}} {
		if _, err := reg.Redeem(ctx, r.p, r.tok); err != nil {
			t.Fatal(err)
		}
	}
	if !reg.Stats().Dirty {
		t.Fatal("mutations should mark the registry dirty")
	}
	if err := reg.Save(ctx); err != nil {
		t.Fatal(err)
	}
	if reg.Stats().Dirty {
		t.Fatal("Save should clear the dirty flag")
	}

	recs := store.Records()
	if got := []string{recs[0].Token, recs[1].Token, recs[2].Token}; !equalStrings(got, []string{"a", "c", "b"}) {
		t.Fatalf("saved order = %v, want active then spent", got)
	}
	if !recs[2].Spent || recs[0].Spent {
		t.Errorf("spent flags wrong: %+v", recs)
	}

	fresh := newRegistry(store, counterTokens(), usecase.RegistryOptions{})
	if err := fresh.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if got := tokens(fresh.ActiveCodes()); !equalStrings(got, []string{"a", "c"}) {
		t.Errorf("active after load = %v", got)
	}
	if got := tokens(fresh.SpentCodes()); !equalStrings(got, []string{"b"}) {
		t.Errorf("spent after load = %v", got)
	}
	c, _ := fresh.LookupActive("c")
	if c.Payload != "say hi" || c.UsesAllowed != 3 || len(c.Redeemers) != 2 || c.Redeemers[0] != "Z" || c.Redeemers[1] != "W" {
		t.Errorf("code c after load = %+v", c)
	}
}

func TestCodeRegistry_SaveFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	store := NewMockRecordStore()
	reg := newRegistry(store, seqTokens("a"), usecase.RegistryOptions{})
	if _, err := reg.Generate(ctx, "p", 1); err != nil {
		t.Fatal(err)
	}
	store.ReplaceErr = errors.New("disk full")

	err := reg.Save(ctx)
	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("want storage error, got %v", err)
	}
	if !reg.Stats().Dirty {
		t.Error("failed Save must leave the registry dirty")
	}
	if _, err := reg.LookupActive("a"); err != nil {
		t.Errorf("failed Save must not change memory: %v", err)
	}
	if store.ReplaceCalls != 1 {
		t.Errorf("Save must not retry, ReplaceAll called %d times", store.ReplaceCalls)
	}
}

func TestCodeRegistry_LoadRejectsBadRecords(t *testing.T) {
	ctx := context.Background()
	good := model.Record{Token: "ok", Payload: "p", UsesAllowed: 1, Redeemers: []string{}}

	cases := []struct {
		name    string
		records []model.Record
		corrupt bool
	}{
		{"duplicate token", []model.Record{good, good}, true},
		{"duplicate token differing in case", []model.Record{good, {Token: "OK", Payload: "p", UsesAllowed: 1}}, true},
		{"zero uses", []model.Record{{Token: "z", Payload: "p", UsesAllowed: 0}}, true},
		{"too many redeemers", []model.Record{{Token: "r", Payload: "p", UsesAllowed: 1, Redeemers: []string{"A", "B"}}}, true},
		{"read error", []model.Record{good, good}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMockRecordStore(tc.records...)
			if !tc.corrupt {
				store.ReadErrAt = 1
			}
			reg := newRegistry(store, seqTokens("keep"), usecase.RegistryOptions{CaseInsensitive: true})
			if _, err := reg.Generate(ctx, "p", 1); err != nil {
				t.Fatal(err)
			}

			err := reg.Load(ctx)
			if !errors.Is(err, domain.ErrStorage) {
				t.Fatalf("want storage error, got %v", err)
			}
			if errors.Is(err, domain.ErrCorruptRecord) != tc.corrupt {
				t.Errorf("ErrCorruptRecord match = %v, want %v (%v)", !tc.corrupt, tc.corrupt, err)
			}
			if _, err := reg.LookupActive("keep"); err != nil {
				t.Errorf("failed Load must keep the previous state: %v", err)
			}
		})
	}
}

func TestCodeRegistry_LoadDerivesSpentFromRedeemers(t *testing.T) {
	ctx := context.Background()
	store := NewMockRecordStore(
		model.Record{Token: "a", Payload: "p", UsesAllowed: 1, Spent: false, Redeemers: []string{"X"}},
		model.Record{Token: "b", Payload: "p", UsesAllowed: 2, Spent: true},
	)
	reg := newRegistry(store, counterTokens(), usecase.RegistryOptions{})
	if err := reg.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.LookupSpent("a"); err != nil {
		t.Errorf("a has all uses taken and should be spent: %v", err)
	}
	if _, err := reg.LookupActive("b"); err != nil {
		t.Errorf("b has no redeemers and should be active: %v", err)
	}
}

func TestCodeRegistry_FileStoreRewriteFailureKeepsFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "codes.jsonl")
	store := filestore.New(path)

	reg := usecase.NewCodeRegistry(store, seqTokens("a", "b"), usecase.RegistryOptions{MaxGenerateAttempts: 5}, newTestLogger())
	if err := reg.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Generate(ctx, "heal", 2); err != nil {
		t.Fatal(err)
	}
	if err := reg.Save(ctx); err != nil {
		t.Fatal(err)
	}

	// a cancelled context aborts the next rewrite before it touches the file
	if _, err := reg.Generate(ctx, "other", 1); err != nil {
		t.Fatal(err)
	}
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := reg.Save(cctx); !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("want storage error, got %v", err)
	}

	fresh := usecase.NewCodeRegistry(filestore.New(path), counterTokens(), usecase.RegistryOptions{}, newTestLogger())
	if err := fresh.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if got := tokens(fresh.ActiveCodes()); !equalStrings(got, []string{"a"}) {
		t.Fatalf("file should still hold the pre-save state, got %v", got)
	}
}
