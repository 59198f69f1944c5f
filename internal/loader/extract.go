package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"code.sajari.com/docconv"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Metadata keys and structured content types.
const (
	MetaSource    = "source"
	MetaType      = "type"
	MetaExtension = "extension"

	TypeJSON     = "json"
	TypeJSONText = "json_text"
	TypeYAMLText = "yaml_text"
	TypeTOMLText = "toml_text"
	TypePDF      = "pdf"
)

// extractor turns raw file bytes into documents. Source metadata is filled
// in by the caller.
type extractor func(data []byte) ([]Document, error)

var extractors = map[string]extractor{
	".json": extractJSON,
	".yaml": extractYAML,
	".yml":  extractYAML,
	".toml": extractTOML,
	".pdf":  extractPDF,
}

func extractorFor(ext string) extractor {
	if fn, ok := extractors[ext]; ok {
		return fn
	}
	return extractText
}

// extractText decodes as UTF-8, replacing invalid sequences.
func extractText(data []byte) ([]Document, error) {
	return []Document{{Content: strings.ToValidUTF8(string(data), "�")}}, nil
}

// extractJSON pretty-prints valid JSON. Malformed JSON is kept as raw text
// tagged json_text.
func extractJSON(data []byte) ([]Document, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return rawText(data, TypeJSONText), nil
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return rawText(data, TypeJSONText), nil
	}
	return []Document{{Content: string(pretty), Metadata: map[string]string{MetaType: TypeJSON}}}, nil
}

// extractYAML validates the document stream; the original text is indexed
// either way so comments survive.
func extractYAML(data []byte) ([]Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var v any
		err := dec.Decode(&v)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		return rawText(data, TypeYAMLText), nil
	}
	return extractText(data)
}

// extractTOML validates TOML; invalid files are tagged toml_text.
func extractTOML(data []byte) ([]Document, error) {
	var v map[string]any
	if _, err := toml.Decode(string(data), &v); err != nil {
		return rawText(data, TypeTOMLText), nil
	}
	return extractText(data)
}

func extractPDF(data []byte) ([]Document, error) {
	res, err := docconv.Convert(bytes.NewReader(data), "application/pdf", false)
	if err != nil {
		return nil, fmt.Errorf("pdf extraction: %w", err)
	}
	body := strings.TrimSpace(res.Body)
	if body == "" {
		return nil, nil
	}
	return []Document{{Content: body, Metadata: map[string]string{MetaType: TypePDF}}}, nil
}

func rawText(data []byte, typ string) []Document {
	return []Document{{
		Content:  strings.ToValidUTF8(string(data), "�"),
		Metadata: map[string]string{MetaType: typ},
	}}
}
