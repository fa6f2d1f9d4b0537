package inference

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cortexhub/cortex-chatgate/internal/config"
)

// Client is the interface for inference providers
type Client interface {
	Chat(ctx context.Context, req *Request) (*Response, error)
	Health(ctx context.Context) error
}

// Message is one entry of the outbound conversation
type Message struct {
	Role    string
	Content string
	Images  [][]byte
}

// Request represents a chat request
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
}

// Response represents an inference response
type Response struct {
	Content    string
	Model      string
	TokensUsed int
	Engine     string
}

// Engine represents a configured inference backend
type Engine struct {
	Name   string
	Type   string
	URL    string
	Client Client
}

// Router maps catalog models to the engine that serves them
type Router struct {
	engines map[string]*Engine
	mu      sync.RWMutex
}

// NewRouter creates a router with one client per configured engine
func NewRouter(cfg *config.Config) (*Router, error) {
	r := &Router{engines: make(map[string]*Engine)}
	for _, ec := range cfg.Inference.Engines {
		client, err := createClient(ec.Type, ec.URL, ec.APIKey)
		if err != nil {
			return nil, fmt.Errorf("engine %s: %w", ec.Name, err)
		}
		r.engines[ec.Name] = &Engine{
			Name:   ec.Name,
			Type:   ec.Type,
			URL:    ec.URL,
			Client: client,
		}
	}
	return r, nil
}

// NewStaticRouter builds a router from ready clients, keyed by engine name.
func NewStaticRouter(clients map[string]Client) *Router {
	r := &Router{engines: make(map[string]*Engine, len(clients))}
	for name, c := range clients {
		r.engines[name] = &Engine{Name: name, Type: "static", Client: c}
	}
	return r
}

func createClient(typ, baseURL, apiKey string) (Client, error) {
	switch typ {
	case "ollama":
		return NewOllamaClient(&OllamaConfig{URL: baseURL})
	case "openai-compatible", "vllm", "openai", "openrouter":
		return NewOpenAIClient(&OpenAIConfig{BaseURL: baseURL, APIKey: apiKey})
	default:
		return nil, fmt.Errorf("unsupported inference type: %s", typ)
	}
}

// Generate sends messages to the engine that serves model
func (r *Router) Generate(ctx context.Context, model Model, messages []Message, temperature float64) (*Response, error) {
	r.mu.RLock()
	eng, ok := r.engines[model.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine %s not found for model %s", model.Engine, model.ID)
	}

	res, err := eng.Client.Chat(ctx, &Request{
		Model:       model.Name,
		Messages:    messages,
		Temperature: temperature,
	})
	if err != nil {
		return nil, err
	}
	res.Engine = eng.Name
	return res, nil
}

// Health checks all engines
func (r *Router) Health(ctx context.Context) map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make(map[string]error)
	for name, eng := range r.engines {
		results[name] = eng.Client.Health(ctx)
	}
	return results
}

// ListEngines returns engines sorted by name
func (r *Router) ListEngines() []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Engine, 0, len(r.engines))
	for _, e := range r.engines {
		list = append(list, *e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}
