package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	getter "github.com/hashicorp/go-getter"
	"github.com/pelletier/go-toml/v2"
	"github.com/piggyvault/piggy-hub/depositor/models"
	"github.com/rs/zerolog"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "tokens").Logger()
}

// SetLogHook attaches a hook to the package logger
func SetLogHook(h zerolog.Hook) {
	log = log.Hook(h)
}

// ListSource serves a token list for a chain
type ListSource interface {
	TokenList(ctx context.Context, chainID uint64) ([]models.ListedToken, error)
}

// Registry holds the known tokens of one chain, keyed by lower-cased address.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]models.TokenRef
}

func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]models.TokenRef)}
}

// Add registers tokens. Entries without a valid address are skipped and
// later entries replace earlier ones.
func (r *Registry) Add(listed ...models.ListedToken) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	for _, t := range listed {
		if !common.IsHexAddress(t.Address) {
			log.Warn().Str("address", t.Address).Str("symbol", t.Symbol).Msg("Skipping token with invalid address")
			continue
		}
		ref := models.NewTokenRef(t.Address, t.Symbol, t.Name, t.Decimals, "")
		r.tokens[ref.Address] = ref
		added++
	}
	return added
}

// Lookup returns the registered token for an address
func (r *Registry) Lookup(address string) (models.TokenRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.tokens[models.CanonicalAddress(address)]
	return ref, ok
}

// Len is the number of registered tokens
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}

// List returns all tokens ordered by symbol, then address
func (r *Registry) List() []models.TokenRef {
	r.mu.RLock()
	out := make([]models.TokenRef, 0, len(r.tokens))
	for _, ref := range r.tokens {
		out = append(out, ref)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Complete turns caller input into a TokenRef. Fields the caller left out
// are taken from the registry; unknown tokens with no decimals get 18.
func (r *Registry) Complete(in models.TokenInput) (models.TokenRef, error) {
	if !common.IsHexAddress(in.Address) {
		return models.TokenRef{}, fmt.Errorf("%w: invalid token address %q", models.ErrValidation, in.Address)
	}
	ref := models.NewTokenRef(in.Address, in.Symbol, in.Name, in.Decimals, in.Price)

	known, ok := r.Lookup(in.Address)
	if !ok {
		return ref, nil
	}
	if ref.Symbol == "" {
		ref.Symbol = known.Symbol
	}
	if ref.Name == "" {
		ref.Name = known.Name
	}
	if in.Decimals == nil {
		ref.Decimals = known.Decimals
	}
	return ref, nil
}

// Load fills the registry from source, a go-getter address of a .json or
// .toml token list. When source is empty or cannot be fetched the fallback
// list is used instead.
func (r *Registry) Load(ctx context.Context, source string, fallback ListSource, chainID uint64) error {
	if source != "" {
		listed, err := Fetch(ctx, source)
		if err == nil {
			n := r.Add(listed...)
			log.Info().Str("source", source).Int("tokens", n).Msg("Loaded token list")
			return nil
		}
		if fallback == nil {
			return err
		}
		log.Warn().Err(err).Str("source", source).Msg("Token list unavailable, using aggregator list")
	}
	if fallback == nil {
		return nil
	}

	listed, err := fallback.TokenList(ctx, chainID)
	if err != nil {
		return fmt.Errorf("failed to load token list: %w", err)
	}
	n := r.Add(listed...)
	log.Info().Uint64("chain_id", chainID).Int("tokens", n).Msg("Loaded aggregator token list")
	return nil
}

// Fetch downloads a token list with go-getter and parses it.
func Fetch(ctx context.Context, source string) ([]models.ListedToken, error) {
	dir, err := os.MkdirTemp("", "depositor-tokens-")
	if err != nil {
		return nil, fmt.Errorf("failed to create download dir: %w", err)
	}
	defer os.RemoveAll(dir)

	pwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working dir: %w", err)
	}

	ext := listExtension(source)
	dst := filepath.Join(dir, "tokens"+ext)
	client := getter.Client{
		Ctx:  ctx,
		Src:  source,
		Dst:  dst,
		Pwd:  pwd,
		Mode: getter.ClientModeFile,
	}
	if err := client.Get(); err != nil {
		return nil, fmt.Errorf("failed to download token list: %w", err)
	}

	raw, err := os.ReadFile(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to read token list: %w", err)
	}
	return ParseList(raw, ext)
}

// ParseList decodes a token list. JSON lists are either an array of tokens
// or an object with a "tokens" map keyed by address; TOML lists use
// [[tokens]] tables.
func ParseList(raw []byte, ext string) ([]models.ListedToken, error) {
	switch ext {
	case ".toml":
		var doc struct {
			Tokens []models.ListedToken `toml:"tokens"`
		}
		if err := toml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse toml token list: %w", err)
		}
		return doc.Tokens, nil
	case ".json":
		trimmed := strings.TrimSpace(string(raw))
		if strings.HasPrefix(trimmed, "[") {
			var list []models.ListedToken
			if err := json.Unmarshal(raw, &list); err != nil {
				return nil, fmt.Errorf("failed to parse json token list: %w", err)
			}
			return list, nil
		}
		var resp models.TokenListResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse json token list: %w", err)
		}
		list := make([]models.ListedToken, 0, len(resp.Tokens))
		for key, t := range resp.Tokens {
			if t.Address == "" {
				t.Address = key
			}
			list = append(list, t)
		}
		return list, nil
	default:
		return nil, fmt.Errorf("unsupported token list format %q", ext)
	}
}

// listExtension takes the extension from the source path, ignoring any
// query string or go-getter subdirectory.
func listExtension(source string) string {
	path := source
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return ".toml"
	default:
		return ".json"
	}
}
