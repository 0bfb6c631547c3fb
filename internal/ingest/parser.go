package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// section is one extraction unit: a PDF page, a CSV row, an EPUB section,
// or a whole plain-text file. Its metadata is inherited by every chunk cut
// from it.
type section struct {
	Text     string
	Metadata map[string]string
}

func parseFile(filename, path string) ([]section, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return parsePDF(path)
	case ".csv":
		return parseCSV(path)
	case ".epub":
		return parseEPUB(path)
	default:
		return parsePlainText(path)
	}
}

// parsePDF extracts one section per page so citations can carry a page
// number. Pages that fail to extract are skipped rather than failing the
// whole document.
func parsePDF(path string) ([]section, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()
	totalPages := reader.NumPage()
	var sections []section
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = normalizeText(text)
		if text == "" {
			continue
		}
		sections = append(sections, section{
			Text:     text,
			Metadata: map[string]string{"source": "pdf", "page": strconv.Itoa(i)},
		})
	}
	return sections, nil
}

// parseCSV joins each record's cells into one row section. The header row
// counts as row 1 like a spreadsheet would number it.
func parseCSV(path string) ([]section, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	var sections []section
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", row+1, err)
		}
		row++
		text := normalizeText(strings.Join(record, " "))
		if text == "" {
			continue
		}
		sections = append(sections, section{
			Text:     text,
			Metadata: map[string]string{"source": "csv", "row": strconv.Itoa(row)},
		})
	}
	return sections, nil
}

func parseEPUB(path string) ([]section, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open epub: %w", err)
	}
	defer reader.Close()
	var sections []section
	for _, file := range reader.File {
		name := strings.ToLower(file.Name)
		if !(strings.HasSuffix(name, ".xhtml") || strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm")) {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("read epub file: %w", err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read epub content: %w", err)
		}
		doc, err := html.Parse(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse epub html: %w", err)
		}
		text := normalizeText(extractText(doc))
		if text == "" {
			continue
		}
		sections = append(sections, section{
			Text:     text,
			Metadata: map[string]string{"source": "epub", "section": filepath.Base(file.Name)},
		})
	}
	return sections, nil
}

func parsePlainText(path string) ([]section, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	text := normalizeText(string(data))
	if text == "" {
		return nil, nil
	}
	return []section{{Text: text, Metadata: map[string]string{"source": "text"}}}, nil
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

func extractText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
			buf.WriteString(" ")
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode && (node.Data == "p" || node.Data == "br" || node.Data == "div" || node.Data == "li") {
			buf.WriteString(" ")
		}
	}
	walk(n)
	return buf.String()
}
