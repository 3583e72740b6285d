package rag

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/codeloom-ai/codeloom/pkg/logger"
)

// languageExtensions maps file extensions to a language label.
var languageExtensions = map[string]string{
	".py": "python", ".rs": "rust",
	".js": "javascript", ".jsx": "javascript", ".mjs": "javascript",
	".ts": "typescript", ".tsx": "typescript",
	".go": "go", ".java": "java", ".cs": "csharp",
	".cpp": "cpp", ".cc": "cpp", ".cxx": "cpp", ".hpp": "cpp", ".h": "c",
	".c": "c", ".rb": "ruby", ".php": "php", ".swift": "swift",
	".kt": "kotlin", ".kts": "kotlin", ".scala": "scala",
	".sh": "shell", ".bash": "shell", ".sql": "sql",
	".yaml": "yaml", ".yml": "yaml", ".json": "json",
	".md": "markdown", ".toml": "toml",
}

var skipDirs = map[string]bool{
	".git": true, ".svn": true, ".hg": true,
	"node_modules": true, "vendor": true, "venv": true, ".venv": true, "env": true,
	"__pycache__": true, ".pytest_cache": true, ".mypy_cache": true,
	"target": true, "build": true, "dist": true, "out": true,
	".idea": true, ".vscode": true,
	"coverage": true, ".coverage": true,
}

var skipFiles = map[string]bool{
	".gitignore": true, ".dockerignore": true,
	"package-lock.json": true, "yarn.lock": true, "Cargo.lock": true,
}

const (
	maxFileSize = 500_000
	minFileSize = 10
)

// CodeUnit is one extracted identifier/signature/docstring record.
type CodeUnit struct {
	Name      string
	UnitType  string
	Signature string
	Docstring string
}

// FileAnalysis is the scan result for one source file.
type FileAnalysis struct {
	Path     string
	Language string
	Units    []CodeUnit
	Concepts []string
}

// ScanStats summarises one codebase scan.
type ScanStats struct {
	FilesScanned    int            `json:"files_scanned"`
	FilesByLanguage map[string]int `json:"files_by_language"`
	UnitsExtracted  int            `json:"units_extracted"`
	ChunksGenerated int            `json:"chunks_generated"`
}

type unitPattern struct {
	re       *regexp.Regexp
	unitType string
}

var unitPatterns = map[string][]unitPattern{
	"go": {
		{regexp.MustCompile(`(?m)^func\s+(?:\([^)]+\)\s+)?(\w+)\s*\([^)]*\)`), "function"},
		{regexp.MustCompile(`(?m)^type\s+(\w+)\s+(?:struct|interface)`), "type"},
	},
	"python": {
		{regexp.MustCompile(`(?m)^class\s+(\w+)`), "class"},
		{regexp.MustCompile(`(?m)^(?:\s*)def\s+(\w+)\s*\([^)]*\)`), "function"},
	},
	"javascript": {
		{regexp.MustCompile(`(?m)(?:function|const|let|var)\s+(\w+)\s*(?:=\s*(?:async\s*)?\([^)]*\)\s*=>|\([^)]*\))`), "function"},
		{regexp.MustCompile(`(?m)class\s+(\w+)`), "class"},
	},
	"rust": {
		{regexp.MustCompile(`(?m)(?:pub\s+)?(?:async\s+)?fn\s+(\w+)\s*(?:<[^>]*>)?\s*\([^)]*\)`), "function"},
		{regexp.MustCompile(`(?m)(?:pub\s+)?(?:struct|enum)\s+(\w+)`), "struct"},
	},
}

// typescript shares the javascript patterns.
func patternsFor(language string) []unitPattern {
	if language == "typescript" {
		return unitPatterns["javascript"]
	}
	return unitPatterns[language]
}

var conceptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(auth(?:entication|orization)?)\b`),
	regexp.MustCompile(`\b(api|rest|graphql|grpc)\b`),
	regexp.MustCompile(`\b(database|db|sql|query)\b`),
	regexp.MustCompile(`\b(cache|caching|redis|memcache)\b`),
	regexp.MustCompile(`\b(test(?:ing)?|spec|unittest)\b`),
	regexp.MustCompile(`\b(config(?:uration)?|settings?|env)\b`),
	regexp.MustCompile(`\b(log(?:ging)?|logger|debug)\b`),
	regexp.MustCompile(`\b(error|exception|handler)\b`),
	regexp.MustCompile(`\b(async|await|promise|future)\b`),
	regexp.MustCompile(`\b(http|request|response|client|server)\b`),
	regexp.MustCompile(`\b(parse|serialize|deserialize|json|xml)\b`),
	regexp.MustCompile(`\b(encrypt|decrypt|hash|security)\b`),
	regexp.MustCompile(`\b(route|router|endpoint|handler)\b`),
	regexp.MustCompile(`\b(model|schema|entity|dto)\b`),
	regexp.MustCompile(`\b(service|repository|controller)\b`),
	regexp.MustCompile(`\b(queue|worker|job|task)\b`),
	regexp.MustCompile(`\b(file|stream|io|read|write)\b`),
	regexp.MustCompile(`\b(user|session|token|jwt)\b`),
}

// Scanner walks a codebase and extracts chunks for the index.
type Scanner struct {
	root    string
	workers int
}

func NewScanner(root string) *Scanner {
	return &Scanner{root: root, workers: 4}
}

// Scan analyses every recognised source file under the root. Files
// that cannot be read are skipped with a warning.
func (s *Scanner) Scan() ([]*FileAnalysis, error) {
	root, err := filepath.Abs(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scan root: %w", err)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if skipFiles[d.Name()] {
			return nil
		}
		if languageForPath(path) == "" {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk codebase: %w", err)
	}

	var (
		mu       sync.Mutex
		analyses []*FileAnalysis
	)

	g := new(errgroup.Group)
	g.SetLimit(s.workers)
	for _, path := range files {
		path := path
		g.Go(func() error {
			analysis, err := s.analyzeFile(root, path)
			if err != nil {
				logger.GetLogger().Warn("could not analyze file", "path", path, "error", err)
				return nil
			}
			if analysis != nil {
				mu.Lock()
				analyses = append(analyses, analysis)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(analyses, func(i, j int) bool { return analyses[i].Path < analyses[j].Path })
	return analyses, nil
}

func (s *Scanner) analyzeFile(root, path string) (*FileAnalysis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) > maxFileSize || len(data) < minFileSize {
		return nil, nil
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	content := string(data)
	language := languageForPath(path)

	analysis := &FileAnalysis{
		Path:     rel,
		Language: language,
		Concepts: extractConcepts(content),
	}

	for _, p := range patternsFor(language) {
		for _, match := range p.re.FindAllStringSubmatch(content, -1) {
			signature := match[0]
			if len(signature) > 100 {
				signature = signature[:100]
			}
			analysis.Units = append(analysis.Units, CodeUnit{
				Name:      match[1],
				UnitType:  p.unitType,
				Signature: strings.TrimSpace(signature),
			})
		}
	}
	return analysis, nil
}

func languageForPath(path string) string {
	return languageExtensions[strings.ToLower(filepath.Ext(path))]
}

func extractConcepts(content string) []string {
	lower := strings.ToLower(content)
	seen := make(map[string]bool)
	var concepts []string
	for _, re := range conceptPatterns {
		if m := re.FindStringSubmatch(lower); m != nil && !seen[m[1]] {
			seen[m[1]] = true
			concepts = append(concepts, m[1])
			if len(concepts) == 10 {
				break
			}
		}
	}
	return concepts
}

// AnalysisToChunks converts one file analysis into index chunks: one
// file-level chunk plus one per extracted unit.
func AnalysisToChunks(analysis *FileAnalysis) []*Chunk {
	var desc strings.Builder
	desc.WriteString(analysis.Path)
	desc.WriteString(": ")
	if len(analysis.Units) > 0 {
		names := make([]string, 0, 5)
		for i, u := range analysis.Units {
			if i == 5 {
				break
			}
			names = append(names, u.Name)
		}
		desc.WriteString("Contains " + strings.Join(names, ", "))
		if extra := len(analysis.Units) - 5; extra > 0 {
			desc.WriteString(fmt.Sprintf(" and %d more", extra))
		}
	} else {
		desc.WriteString(analysis.Language + " file")
	}
	if len(analysis.Concepts) > 0 {
		desc.WriteString(". Concepts: " + strings.Join(analysis.Concepts, ", "))
	}

	chunks := []*Chunk{{
		ID:      analysis.Path,
		Content: desc.String(),
		Metadata: ChunkMetadata{
			Path:      analysis.Path,
			Language:  analysis.Language,
			ChunkType: "file",
			Concepts:  analysis.Concepts,
		},
	}}

	for _, unit := range analysis.Units {
		content := unit.Name + ": "
		if unit.Docstring != "" {
			first := strings.SplitN(unit.Docstring, "\n", 2)[0]
			if len(first) > 200 {
				first = first[:200]
			}
			content += first
		} else {
			content += unit.UnitType + " in " + analysis.Path
		}
		chunks = append(chunks, &Chunk{
			ID:      analysis.Path + ":" + unit.Name,
			Content: content,
			Metadata: ChunkMetadata{
				Path:      analysis.Path,
				Language:  analysis.Language,
				ChunkType: unit.UnitType,
				Signature: unit.Signature,
			},
		})
	}
	return chunks
}

// ScanAndGenerateChunks scans a codebase and returns its chunks with
// per-language stats.
func ScanAndGenerateChunks(root string) ([]*Chunk, *ScanStats, error) {
	analyses, err := NewScanner(root).Scan()
	if err != nil {
		return nil, nil, err
	}

	stats := &ScanStats{FilesByLanguage: make(map[string]int)}
	var chunks []*Chunk
	for _, analysis := range analyses {
		stats.FilesScanned++
		stats.FilesByLanguage[analysis.Language]++
		stats.UnitsExtracted += len(analysis.Units)
		chunks = append(chunks, AnalysisToChunks(analysis)...)
	}
	stats.ChunksGenerated = len(chunks)
	return chunks, stats, nil
}
