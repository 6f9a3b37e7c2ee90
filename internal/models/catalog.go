package models

import (
	"fmt"
	"strings"
)

// ID identifies a selectable Whisper model
type ID string

// Catalog identifiers
const (
	LargeV3           ID = "large-v3"
	LargeV3Turbo      ID = "large-v3-turbo"
	LargeV3TurboQuant ID = "large-v3-turbo-q5_0"
	Medium            ID = "medium"
	Small             ID = "small"
	Base              ID = "base"
	Tiny              ID = "tiny"
)

const downloadBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// Model describes a ggml Whisper model that can be selected
type Model struct {
	ID       ID     `json:"id"`
	FileName string `json:"file_name"`
	Label    string `json:"label"`
	Size     string `json:"size"`
}

// URL returns the upstream download location of the model file
func (m Model) URL() string {
	return downloadBaseURL + m.FileName
}

// Catalog lists all selectable models, largest first
var Catalog = []Model{
	{ID: LargeV3, FileName: "ggml-large-v3.bin", Label: "Large V3", Size: "3.1 GB"},
	{ID: LargeV3Turbo, FileName: "ggml-large-v3-turbo.bin", Label: "Large V3 Turbo", Size: "1.6 GB"},
	{ID: LargeV3TurboQuant, FileName: "ggml-large-v3-turbo-q5_0.bin", Label: "Large V3 Turbo (Q5_0)", Size: "547 MB"},
	{ID: Medium, FileName: "ggml-medium.bin", Label: "Medium", Size: "1.5 GB"},
	{ID: Small, FileName: "ggml-small.bin", Label: "Small", Size: "466 MB"},
	{ID: Base, FileName: "ggml-base.bin", Label: "Base", Size: "142 MB"},
	{ID: Tiny, FileName: "ggml-tiny.bin", Label: "Tiny", Size: "75 MB"},
}

// Lookup returns the catalog entry for id
func Lookup(id ID) (Model, bool) {
	for _, m := range Catalog {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// LookupFile returns the catalog entry whose file name matches name
func LookupFile(name string) (Model, bool) {
	for _, m := range Catalog {
		if strings.EqualFold(m.FileName, name) {
			return m, true
		}
	}
	return Model{}, false
}

// ParseID validates a model identifier
func ParseID(s string) (ID, error) {
	id := ID(strings.TrimSpace(s))
	if _, ok := Lookup(id); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, s)
	}
	return id, nil
}
