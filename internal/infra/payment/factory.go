package payment

import (
	"fmt"
	"sort"
	"strings"
)

// タグからプロバイダを選ぶ
type Factory struct {
	providers map[Tag]Provider
}

func NewFactory(providers ...Provider) *Factory {
	f := &Factory{providers: make(map[Tag]Provider, len(providers))}
	for _, p := range providers {
		f.providers[p.Tag()] = p
	}
	return f
}

func (f *Factory) Resolve(tag string) (Provider, error) {
	p, ok := f.providers[Tag(strings.ToLower(strings.TrimSpace(tag)))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, tag)
	}
	return p, nil
}

func (f *Factory) Tags() []string {
	tags := make([]string, 0, len(f.providers))
	for t := range f.providers {
		tags = append(tags, string(t))
	}
	sort.Strings(tags)
	return tags
}
