// Package models knows which ggml whisper models exist, where they live on
// disk and how to fetch them.
package models

import (
	"fmt"
	"sort"
)

const baseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// Info describes one downloadable ggml model.
type Info struct {
	ID       string // "small", "base.en", "large-v3-turbo"
	Filename string // "ggml-small.bin"
	URL      string
	Size     int64 // approximate, used when the server sends no length
}

const mb = 1024 * 1024

func entry(id string, sizeMB int64) Info {
	name := "ggml-" + id + ".bin"
	return Info{ID: id, Filename: name, URL: baseURL + name, Size: sizeMB * mb}
}

var registry = map[string]Info{}

func init() {
	for _, m := range []Info{
		entry("tiny", 75),
		entry("tiny.en", 75),
		entry("base", 142),
		entry("base.en", 142),
		entry("small", 466),
		entry("small.en", 466),
		entry("medium", 1500),
		entry("medium.en", 1500),
		entry("large-v1", 2900),
		entry("large-v2", 2900),
		entry("large-v3", 2900),
		entry("large-v3-turbo", 1500),
	} {
		registry[m.ID] = m
	}
}

// Lookup returns the registry entry for id.
func Lookup(id string) (Info, error) {
	m, ok := registry[id]
	if !ok {
		return Info{}, fmt.Errorf("unknown model %q", id)
	}
	return m, nil
}

// All returns every known model, sorted by id.
func All() []Info {
	out := make([]Info, 0, len(registry))
	for _, m := range registry {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
