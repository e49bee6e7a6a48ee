package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aluiziolira/go-opds-catalog/models"
)

func sampleItems() []*models.CatalogItem {
	b := models.NewBook("Test Book", []string{"Ann Author", "Bob Writer"},
		[]string{"http://example.test/get/1.epub", "http://example.test/get/1.pdf"})
	b.Tags = []string{"Fiction", "News"}
	b.Updated = time.Date(2021, 3, 1, 10, 0, 0, 0, time.UTC)
	b.UUID = "6b4c9b3a-1d1e-4c0f-9a2b-0f1e2d3c4b5a"
	c := models.NewSubCatalog("By Author", "http://example.test/opds/authors")
	return []*models.CatalogItem{b, c}
}

func TestCSVWriterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	if err := writer.Write(sampleItems()); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate csv: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records=%d, want 3", len(records))
	}
	if records[0][0] != "kind" || records[0][1] != "title" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	bookRow := records[1]
	if bookRow[0] != "book" || bookRow[2] != "Ann Author & Bob Writer" {
		t.Fatalf("unexpected book row: %v", bookRow)
	}
	if bookRow[4] != "2021-03-01 10:00:00" || bookRow[6] != "EPUB PDF" {
		t.Fatalf("unexpected timestamp/formats: %v", bookRow)
	}
	if records[2][0] != "catalog" || records[2][8] != "http://example.test/opds/authors" {
		t.Fatalf("unexpected catalog row: %v", records[2])
	}
}

func TestJSONWriterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.jsonl")

	writer, err := NewJSONWriter(path)
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}
	if err := writer.Write(sampleItems()); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close json: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open json: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var decoded []models.CatalogItem
	for scanner.Scan() {
		var item models.CatalogItem
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			t.Fatalf("invalid json line: %v", err)
		}
		decoded = append(decoded, item)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan json: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("json lines=%d, want 2", len(decoded))
	}
	if decoded[1].Kind != models.KindSubCatalog || decoded[0].UUID == "" {
		t.Fatalf("unexpected decoded items %+v", decoded)
	}
}

func TestDualWriterWrite(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "catalog.csv")

	writer, err := NewWriter("dual", csvPath)
	if err != nil {
		t.Fatalf("create dual writer: %v", err)
	}
	if err := writer.Write(sampleItems()); err != nil {
		t.Fatalf("write dual: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate dual: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close dual: %v", err)
	}

	if info, err := os.Stat(csvPath); err != nil || info.Size() == 0 {
		t.Fatalf("csv file missing or empty")
	}
	if info, err := os.Stat(filepath.Join(dir, "out", "catalog.jsonl")); err != nil || info.Size() == 0 {
		t.Fatalf("json file missing or empty")
	}
}

func TestNewWriterRejectsUnknownFormat(t *testing.T) {
	if _, err := NewWriter("xml", filepath.Join(t.TempDir(), "x.xml")); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
