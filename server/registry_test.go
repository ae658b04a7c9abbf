package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prism-mcp/prism/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryFor(name string) *Entry {
	return &Entry{
		Kind:    KindTool,
		Name:    name,
		Payload: protocol.Tool{Name: name, InputSchema: protocol.ToolInputSchema{Type: "object"}},
		Handler: ToolHandler(func(ctx *Context, args []byte) (*protocol.CallToolResult, error) {
			return protocol.NewToolResultText("ok"), nil
		}),
	}
}

func TestRegistryRegisterGetUnregister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(entryFor("a")))

	got, ok := r.Get(KindTool, "a")
	require.True(t, ok)
	assert.Equal(t, "a", got.Name)

	// Duplicate (kind,name) fails; the same name under another kind is fine.
	assert.ErrorIs(t, r.Register(entryFor("a")), ErrDuplicateName)
	require.NoError(t, r.Register(&Entry{Kind: KindPrompt, Name: "a", Payload: protocol.Prompt{Name: "a"}}))

	r.Unregister(KindTool, "a")
	_, ok = r.Get(KindTool, "a")
	assert.False(t, ok)

	// Unregistering an absent entry succeeds silently.
	r.Unregister(KindTool, "a")
}

func TestRegistryChangeNotifications(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	var changes []Kind
	r.SetChangedCallback(func(kind Kind) {
		mu.Lock()
		changes = append(changes, kind)
		mu.Unlock()
	})

	require.NoError(t, r.Register(entryFor("a")))
	r.Unregister(KindTool, "a")
	r.Unregister(KindTool, "a") // absent: no notification

	mu.Lock()
	defer mu.Unlock()
	// At most one notification per mutation.
	assert.Equal(t, []Kind{KindTool, KindTool}, changes)
}

func TestRegistryListPagination(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 250; i++ {
		require.NoError(t, r.Register(entryFor(fmt.Sprintf("tool-%04d", i))))
	}

	var all []string
	cursor := ""
	pages := 0
	for {
		entries, next, err := r.List(KindTool, cursor)
		require.NoError(t, err)
		pages++
		for _, e := range entries {
			all = append(all, e.Name)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, 3, pages)
	require.Len(t, all, 250)
	assert.True(t, sortedUnique(all), "list pages must be ordered and duplicate-free")

	// Malformed cursors are rejected.
	_, _, err := r.List(KindTool, "!!!not-base64!!!")
	assert.Error(t, err)
}

func sortedUnique(names []string) bool {
	for i := 1; i < len(names); i++ {
		if names[i] <= names[i-1] {
			return false
		}
	}
	return true
}

func TestRegistryConcurrentMutationAndList(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				name := fmt.Sprintf("w%d-t%03d", w, i)
				_ = r.Register(entryFor(name))
				if i%3 == 0 {
					r.Unregister(KindTool, name)
				}
			}
		}(w)
	}

	listErrs := make(chan error, 8)
	for l := 0; l < 4; l++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				entries, _, err := r.List(KindTool, "")
				if err != nil {
					listErrs <- err
					return
				}
				// Each list is a consistent snapshot: ordered, no duplicates,
				// no torn entries.
				seen := map[string]bool{}
				for _, e := range entries {
					if e == nil || e.Name == "" || seen[e.Name] {
						listErrs <- fmt.Errorf("torn or duplicate entry in snapshot")
						return
					}
					seen[e.Name] = true
				}
			}
		}()
	}
	wg.Wait()
	close(listErrs)
	for err := range listErrs {
		t.Fatal(err)
	}
}

func TestRegistryUnregisterByOrigin(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		e := entryFor(fmt.Sprintf("calc.op%d", i))
		e.PluginOrigin = "calc"
		require.NoError(t, r.Register(e))
	}
	require.NoError(t, r.Register(entryFor("native")))

	var mu sync.Mutex
	count := 0
	r.SetChangedCallback(func(Kind) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	r.UnregisterByOrigin("calc")
	assert.Equal(t, 1, r.Count(KindTool))
	_, ok := r.Get(KindTool, "native")
	assert.True(t, ok)

	// One notification per affected kind, not per entry.
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestRegistryTemplateMatch(t *testing.T) {
	r := NewRegistry()
	handler := ResourceHandler(func(ctx *Context, uri string, vars map[string]string) ([]protocol.ResourceContents, error) {
		return nil, nil
	})
	require.NoError(t, r.RegisterTemplate(
		protocol.ResourceTemplate{URITemplate: "weather://{city}/current", Name: "weather"}, handler, ""))

	_, vars, ok := r.MatchTemplate("weather://oslo/current")
	require.True(t, ok)
	assert.Equal(t, "oslo", vars["city"])

	_, _, ok = r.MatchTemplate("weather://oslo/forecast")
	assert.False(t, ok)

	// Invalid patterns are rejected at registration.
	err := r.RegisterTemplate(protocol.ResourceTemplate{URITemplate: "weather://{unclosed"}, handler, "")
	assert.Error(t, err)
}
