// Package attach turns uploaded files into bounded text context merged into
// the latest user turn. Extraction itself is pluggable; this package owns
// the allow-list, the character bound and the merge format.
package attach

import (
	"fmt"
	"log/slog"
	"path"
	"strings"

	"courseassist/internal/config"
)

// File is one uploaded attachment. Transient: merged into turn content and
// discarded, never stored as a file.
type File struct {
	Name string
	Data []byte
}

// Extractor converts a file's bytes into a text summary. An error degrades
// into an inline marker, never into a failed request.
type Extractor func(name string, data []byte) (string, error)

const sectionHeader = "\n\n--- Attached Files ---\n"

type Normalizer struct {
	cfg        config.UploadConfig
	extractors map[string]Extractor
	logger     *slog.Logger
}

func NewNormalizer(cfg config.UploadConfig, logger *slog.Logger) *Normalizer {
	n := &Normalizer{
		cfg:        cfg,
		extractors: make(map[string]Extractor),
		logger:     logger,
	}
	registerBuiltin(n)
	return n
}

// Register installs an extractor for a file extension (".pdf" style,
// lowercase). Later registrations replace earlier ones.
func (n *Normalizer) Register(ext string, fn Extractor) {
	n.extractors[strings.ToLower(ext)] = fn
}

// FileContext renders the attachment section to append to the user turn's
// content. Disallowed extensions are skipped silently. With no accepted
// files the result is empty, leaving the turn content byte-identical.
func (n *Normalizer) FileContext(files []File) string {
	var summaries []string
	for _, f := range files {
		if f.Name == "" {
			continue
		}
		if !n.cfg.AllowedExtension(f.Name) {
			if n.logger != nil {
				n.logger.Debug("skipping disallowed attachment", slog.String("filename", f.Name))
			}
			continue
		}
		summaries = append(summaries, n.summarize(f))
	}
	if len(summaries) == 0 {
		return ""
	}
	return sectionHeader + strings.Join(summaries, "\n\n")
}

// summarize produces one file's bounded summary: a "File: name" prefix, the
// extracted text (or an inline error marker), truncated at the configured
// character bound with an explicit marker restating the bound.
func (n *Normalizer) summarize(f File) string {
	content := "File: " + f.Name + "\n"

	ext := strings.ToLower(path.Ext(f.Name))
	extractor, ok := n.extractors[ext]
	if !ok {
		content += fmt.Sprintf("[Unsupported file type: %s]", ext)
		return n.truncate(content)
	}

	text, err := extractor(f.Name, f.Data)
	if err != nil {
		if n.logger != nil {
			n.logger.Error("attachment extraction failed",
				slog.String("filename", f.Name),
				slog.String("error", err.Error()))
		}
		content += fmt.Sprintf("[Error processing file: %s]", err.Error())
		return n.truncate(content)
	}

	content += text
	return n.truncate(content)
}

// truncate bounds the summary by characters, never splitting a rune.
func (n *Normalizer) truncate(content string) string {
	max := n.cfg.MaxAttachmentChars
	if max <= 0 || len(content) <= max {
		return content
	}
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	if n.logger != nil {
		n.logger.Warn("attachment content truncated",
			slog.Int("length", len(runes)),
			slog.Int("limit", max))
	}
	return string(runes[:max]) + fmt.Sprintf("\n\n[Content truncated - file was too long. Showing first %d characters]", max)
}
