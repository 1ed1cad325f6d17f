package usecase

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"command-codes/internal/config"
	"command-codes/internal/domain"
	"command-codes/internal/domain/model"
	"command-codes/internal/domain/ports/repository"
	"command-codes/internal/infra/logging"
	"command-codes/internal/infra/metrics"

	"github.com/rs/zerolog"
)

// RegistryOptions carries the redemption and generation policy.
type RegistryOptions struct {
	AllowMultipleRedemptions bool
	CaseInsensitive          bool
	MaxGenerateAttempts      int
}

// RegistryOptionsFromConfig maps the registry config section.
func RegistryOptionsFromConfig(cfg config.RegistryConfig) RegistryOptions {
	return RegistryOptions{
		AllowMultipleRedemptions: cfg.AllowMultipleRedemptions,
		CaseInsensitive:          cfg.CaseInsensitive(),
		MaxGenerateAttempts:      cfg.MaxGenerateAttempts,
	}
}

// TokenGeneratorFromConfig builds the generator selected by registry.token_mode.
func TokenGeneratorFromConfig(cfg config.RegistryConfig) (TokenGenerator, error) {
	switch cfg.TokenMode {
	case "numeric":
		return NumericTokens(cfg.NumericCap)
	case "alphabet", "":
		return AlphabetTokens(cfg.TokenLength, cfg.TokenAlphabet)
	}
	return nil, fmt.Errorf("token mode %q: %w", cfg.TokenMode, domain.ErrInvalidArgument)
}

// RegistryStats is a point-in-time summary of the registry.
type RegistryStats struct {
	Active int  `json:"active"`
	Spent  int  `json:"spent"`
	Dirty  bool `json:"dirty"`
}

type entry struct {
	code   *model.Code
	status model.CodeStatus
	seq    uint64 // order within the current status
}

// CodeRegistry is the in-memory authority for active and spent codes. It is
// the only mutator of code state; persistence goes through a RecordStore.
// All methods are safe for concurrent use. Load and Save hold the registry
// lock for the whole storage operation.
type CodeRegistry struct {
	mu    sync.Mutex
	store repository.RecordStore
	gen   TokenGenerator
	opts  RegistryOptions
	log   *zerolog.Logger

	codes  map[string]*entry
	seq    uint64
	active int
	dirty  bool
}

// NewCodeRegistry constructs an empty registry. Call Load to pick up persisted codes.
func NewCodeRegistry(store repository.RecordStore, gen TokenGenerator, opts RegistryOptions, logger *zerolog.Logger) *CodeRegistry {
	if opts.MaxGenerateAttempts <= 0 {
		opts.MaxGenerateAttempts = 1000
	}
	if logger == nil {
		logger = logging.Nop()
	}
	l := logger.With().Str("component", "CodeRegistry").Logger()
	return &CodeRegistry{
		store: store,
		gen:   gen,
		opts:  opts,
		log:   &l,
		codes: make(map[string]*entry),
	}
}

func (r *CodeRegistry) key(token string) string {
	if r.opts.CaseInsensitive {
		return strings.ToLower(token)
	}
	return token
}

func (r *CodeRegistry) nextSeq() uint64 {
	r.seq++
	return r.seq
}

func (r *CodeRegistry) publishCounts() {
	metrics.SetCodeCounts(r.active, len(r.codes)-r.active)
}

// Generate issues a new active code whose token is unused by any active or
// spent code.
func (r *CodeRegistry) Generate(ctx context.Context, payload string, usesAllowed int) (*model.Code, error) {
	codes, err := r.GenerateBatch(ctx, payload, usesAllowed, 1)
	if err != nil {
		return nil, err
	}
	return codes[0], nil
}

// GenerateBatch issues count codes for the same payload. Either all of them
// are added or none are.
func (r *CodeRegistry) GenerateBatch(ctx context.Context, payload string, usesAllowed, count int) ([]*model.Code, error) {
	if payload == "" || usesAllowed < 1 || count < 1 {
		return nil, domain.ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.Code, 0, count)
	added := make([]string, 0, count)
	wasDirty := r.dirty
	issued := r.issuedLocked()
	for range count {
		e, err := r.generateLocked(payload, usesAllowed, issued)
		if err != nil {
			for _, k := range added {
				delete(r.codes, k)
				r.active--
			}
			r.dirty = wasDirty
			logging.With(ctx, r.log).Warn().Err(err).Int("requested", count).Msg("code generation failed")
			return nil, err
		}
		issued++
		added = append(added, r.key(e.code.Token))
		out = append(out, e.code.Clone())
	}

	metrics.AddGenerated(count)
	r.publishCounts()
	logging.With(ctx, r.log).Info().Int("count", count).Int("uses", usesAllowed).Msg("codes generated")
	return out, nil
}

// issuedLocked counts the known tokens the generator could produce. Tokens
// from another generator, e.g. before a token_mode change, do not use up
// its space.
func (r *CodeRegistry) issuedLocked() uint64 {
	space, ok := r.gen.(TokenSpace)
	if !ok {
		return uint64(len(r.codes))
	}
	var n uint64
	for _, e := range r.codes {
		if space.Contains(e.code.Token) {
			n++
		}
	}
	return n
}

func (r *CodeRegistry) generateLocked(payload string, usesAllowed int, issued uint64) (*entry, error) {
	if c := r.gen.Capacity(); c > 0 && issued >= c {
		return nil, fmt.Errorf("all %d tokens issued: %w", c, domain.ErrTokenSpaceExhausted)
	}
	for attempt := 0; attempt < r.opts.MaxGenerateAttempts; attempt++ {
		tok, err := r.gen.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}
		if tok == "" {
			continue
		}
		k := r.key(tok)
		if _, taken := r.codes[k]; taken {
			continue
		}
		code, err := model.NewCode(tok, payload, usesAllowed)
		if err != nil {
			return nil, err
		}
		e := &entry{code: code, status: model.CodeActive, seq: r.nextSeq()}
		r.codes[k] = e
		r.active++
		r.dirty = true
		return e, nil
	}
	return nil, fmt.Errorf("no free token after %d attempts: %w", r.opts.MaxGenerateAttempts, domain.ErrTokenSpaceExhausted)
}

func (r *CodeRegistry) lookup(token string, status model.CodeStatus) (*model.Code, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.codes[r.key(token)]
	if !ok || e.status != status {
		return nil, domain.ErrCodeNotFound
	}
	return e.code.Clone(), nil
}

// LookupActive returns a copy of the active code for token.
func (r *CodeRegistry) LookupActive(token string) (*model.Code, error) {
	return r.lookup(token, model.CodeActive)
}

// LookupSpent returns a copy of the spent code for token.
func (r *CodeRegistry) LookupSpent(token string) (*model.Code, error) {
	return r.lookup(token, model.CodeSpent)
}

// Lookup returns a copy of the code for token from either set.
func (r *CodeRegistry) Lookup(token string) (*model.Code, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.codes[r.key(token)]
	if !ok {
		return nil, domain.ErrCodeNotFound
	}
	return e.code.Clone(), nil
}

// Redeem records principal against the active code for token. It fails with
// ErrCodeNotFound when no active code matches and with ErrAlreadyRedeemed when
// the principal already redeemed it and multiple redemptions are disabled.
// The returned copy reports IsSpent once the last use has been taken.
func (r *CodeRegistry) Redeem(ctx context.Context, principal model.PrincipalID, token string) (*model.Code, error) {
	if principal == "" || token == "" {
		metrics.IncRedemption("invalid")
		return nil, domain.ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.codes[r.key(token)]
	if !ok || e.status != model.CodeActive {
		metrics.IncRedemption("not_found")
		return nil, domain.ErrCodeNotFound
	}
	if !r.opts.AllowMultipleRedemptions && e.code.HasRedeemed(principal) {
		metrics.IncRedemption("already_redeemed")
		return nil, domain.ErrAlreadyRedeemed
	}
	if err := e.code.AddRedeemer(principal); err != nil {
		return nil, err
	}
	r.dirty = true

	l := logging.With(ctx, r.log)
	if e.code.IsSpent() {
		e.status = model.CodeSpent
		e.seq = r.nextSeq()
		r.active--
		r.publishCounts()
		metrics.IncRedemption("exhausted")
		l.Info().Str("principal", string(principal)).Int("uses", e.code.UsesAllowed).Msg("code redeemed and spent")
	} else {
		metrics.IncRedemption("accepted")
		l.Debug().Str("principal", string(principal)).Int("remaining", e.code.Remaining()).Msg("code redeemed")
	}
	return e.code.Clone(), nil
}

// Remove deletes code from whichever set holds it. It returns false when the
// code is nil or no longer present.
func (r *CodeRegistry) Remove(code *model.Code) bool {
	if code == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := r.key(code.Token)
	e, ok := r.codes[k]
	if !ok {
		return false
	}
	delete(r.codes, k)
	if e.status == model.CodeActive {
		r.active--
	}
	r.dirty = true
	metrics.IncRemoved()
	r.publishCounts()
	return true
}

func (r *CodeRegistry) snapshot(status model.CodeStatus) []*model.Code {
	entries := make([]*entry, 0, len(r.codes))
	for _, e := range r.codes {
		if e.status == status {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	out := make([]*model.Code, len(entries))
	for i, e := range entries {
		out[i] = e.code.Clone()
	}
	return out
}

// ActiveCodes returns copies of the active codes in issue order.
func (r *CodeRegistry) ActiveCodes() []*model.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(model.CodeActive)
}

// SpentCodes returns copies of the spent codes in the order they were spent.
func (r *CodeRegistry) SpentCodes() []*model.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(model.CodeSpent)
}

func (r *CodeRegistry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistryStats{Active: r.active, Spent: len(r.codes) - r.active, Dirty: r.dirty}
}

// Load replaces the in-memory state with the store's contents. The store is
// created if missing. On error the previous in-memory state is kept.
func (r *CodeRegistry) Load(ctx context.Context) error {
	defer logging.TraceDuration(r.log, "CodeRegistry.Load")()

	r.mu.Lock()
	defer r.mu.Unlock()

	backend := r.store.Backend()
	if err := r.store.Create(ctx); err != nil {
		return fmt.Errorf("load codes: %w", err)
	}

	codes := make(map[string]*entry)
	var seq uint64
	active := 0
	i := 0
	for rec, err := range r.store.ReadAll(ctx) {
		if err != nil {
			r.log.Error().Err(err).Int("read", i).Msg("load failed")
			return fmt.Errorf("load codes: %w", err)
		}
		code, err := model.CodeFromRecord(rec)
		if err != nil {
			return fmt.Errorf("load codes: %w", domain.CorruptRecord(backend, i, "%v", err))
		}
		k := r.key(code.Token)
		if _, dup := codes[k]; dup {
			return fmt.Errorf("load codes: %w", domain.CorruptRecord(backend, i, "duplicate token %q", code.Token))
		}
		if rec.Spent != code.IsSpent() {
			r.log.Warn().Int("record", i).Bool("stored_spent", rec.Spent).
				Msg("stored spent flag disagrees with redeemer count; using redeemer count")
		}
		seq++
		codes[k] = &entry{code: code, status: code.Status(), seq: seq}
		if !code.IsSpent() {
			active++
		}
		i++
	}

	r.codes = codes
	r.seq = seq
	r.active = active
	r.dirty = false
	r.publishCounts()
	logging.With(ctx, r.log).Info().Str("backend", backend).
		Int("active", active).Int("spent", len(codes)-active).Msg("codes loaded")
	return nil
}

// Save replaces the store's contents with the current state: active codes
// first, then spent codes, each in listing order. On error nothing in memory
// changes and the store keeps its previous contents.
func (r *CodeRegistry) Save(ctx context.Context) error {
	defer logging.TraceDuration(r.log, "CodeRegistry.Save")()

	r.mu.Lock()
	defer r.mu.Unlock()

	active := r.snapshot(model.CodeActive)
	spent := r.snapshot(model.CodeSpent)
	records := make([]model.Record, 0, len(active)+len(spent))
	for _, c := range active {
		records = append(records, c.ToRecord())
	}
	for _, c := range spent {
		records = append(records, c.ToRecord())
	}

	if err := r.store.ReplaceAll(ctx, records); err != nil {
		logging.With(ctx, r.log).Error().Err(err).Int("records", len(records)).Msg("save failed")
		return fmt.Errorf("save codes: %w", err)
	}
	r.dirty = false
	logging.With(ctx, r.log).Info().Str("backend", r.store.Backend()).Int("records", len(records)).Msg("codes saved")
	return nil
}
