package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// CodeChunkerOptions configures the code chunker behavior
type CodeChunkerOptions struct {
	MaxChunkTokens int // Maximum tokens per chunk (default: DefaultMaxChunkTokens)
	OverlapTokens  int // Overlap between chunks when splitting (default: DefaultOverlapTokens)
}

// CodeChunker implements AST-aware code chunking using tree-sitter
type CodeChunker struct {
	parser    *Parser
	extractor *SymbolExtractor
	registry  *LanguageRegistry
	options   CodeChunkerOptions
}

// NewCodeChunker creates a new code chunker with default options
func NewCodeChunker() *CodeChunker {
	return NewCodeChunkerWithOptions(CodeChunkerOptions{})
}

// NewCodeChunkerWithOptions creates a new code chunker with custom options
func NewCodeChunkerWithOptions(opts CodeChunkerOptions) *CodeChunker {
	if opts.MaxChunkTokens == 0 {
		opts.MaxChunkTokens = DefaultMaxChunkTokens
	}
	if opts.OverlapTokens == 0 {
		opts.OverlapTokens = DefaultOverlapTokens
	}

	registry := DefaultRegistry()
	return &CodeChunker{
		parser:    NewParserWithRegistry(registry),
		extractor: NewSymbolExtractorWithRegistry(registry),
		registry:  registry,
		options:   opts,
	}
}

// Close releases chunker resources
func (c *CodeChunker) Close() {
	if c.parser != nil {
		c.parser.Close()
	}
}

// SupportedExtensions returns file extensions this chunker handles
func (c *CodeChunker) SupportedExtensions() []string {
	return c.registry.SupportedExtensions()
}

// Chunk splits a file into semantic chunks
func (c *CodeChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	if len(file.Content) == 0 {
		return nil, nil
	}

	// Check if language is supported
	_, supported := c.registry.GetByName(file.Language)
	if !supported {
		// Fall back to line-based chunking
		return c.chunkByLines(file)
	}

	// Parse the file
	tree, err := c.parser.Parse(ctx, file.Content, file.Language)
	if err != nil {
		// Fall back to line-based chunking on parse error
		return c.chunkByLines(file)
	}

	// Extract context (package declaration, imports)
	fileContext := c.extractFileContext(tree, file.Content, file.Language)

	// Enrich context with file path marker for better embedding quality
	fileContext = c.enrichContextWithFilePath(file.Path, file.Language, fileContext)

	// Find top-level symbol nodes (functions, classes, methods, types)
	symbolNodes := c.collectSymbolNodes(tree.Root, tree, file.Language)

	if len(symbolNodes) == 0 {
		// No top-level node matched a configured symbol type (e.g. a bare
		// package clause with no func/type/const/var). The node still has
		// an estimated token count to decide a chunk strategy by, so fall
		// through to a whole-file or line-split chunk instead of dropping
		// the file's content entirely.
		return c.chunkByLines(file)
	}

	// Create chunks from symbol nodes
	chunks := make([]*Chunk, 0, len(symbolNodes))
	now := time.Now()

	for _, node := range symbolNodes {
		nodeChunks := c.createChunksFromNode(node, tree, file, fileContext, now)
		chunks = append(chunks, nodeChunks...)
	}

	if len(chunks) == 0 {
		// Every symbol collapsed to nothing usable; fall back to the
		// byte-range forced split over the whole file.
		return c.chunkByLines(file)
	}

	return chunks, nil
}

// symbolNodeInfo holds a symbol node with its extracted symbol info
type symbolNodeInfo struct {
	node   *Node
	symbol *Symbol
}

// buildSymbolTypeSet maps a language's configured node types to SymbolType.
func buildSymbolTypeSet(config *LanguageConfig) map[string]SymbolType {
	m := make(map[string]SymbolType)
	for _, t := range config.FunctionTypes {
		m[t] = SymbolTypeFunction
	}
	for _, t := range config.MethodTypes {
		m[t] = SymbolTypeMethod
	}
	for _, t := range config.ClassTypes {
		m[t] = SymbolTypeClass
	}
	for _, t := range config.InterfaceTypes {
		m[t] = SymbolTypeInterface
	}
	for _, t := range config.TypeDefTypes {
		m[t] = SymbolTypeType
	}
	for _, t := range config.ConstantTypes {
		m[t] = SymbolTypeConstant
	}
	for _, t := range config.VariableTypes {
		m[t] = SymbolTypeVariable
	}
	return m
}

// isCollapsible reports whether a symbol type is the kind of container the
// three-way chunking strategy may descend into (class/struct/interface,
// function/method bodies) rather than split blindly by line.
func isCollapsible(t SymbolType) bool {
	switch t {
	case SymbolTypeClass, SymbolTypeInterface, SymbolTypeType, SymbolTypeFunction, SymbolTypeMethod:
		return true
	default:
		return false
	}
}

// collectSymbolNodes walks root's children looking for symbol-defining
// nodes. It stops descending as soon as it finds one, so a class and its
// methods are never both reported as siblings in the same pass - nested
// members only surface when createChunksFromNode recurses into an
// oversized container explicitly.
func (c *CodeChunker) collectSymbolNodes(root *Node, tree *Tree, language string) []*symbolNodeInfo {
	config, ok := c.registry.GetByName(language)
	if !ok {
		return []*symbolNodeInfo{}
	}
	symbolTypes := buildSymbolTypeSet(config)

	var symbolNodes []*symbolNodeInfo

	var walk func(n *Node)
	walk = func(n *Node) {
		if n.Type == "lexical_declaration" || n.Type == "variable_declaration" {
			if sym := c.extractor.extractSpecialSymbol(n, tree.Source, language); sym != nil {
				symbolNodes = append(symbolNodes, &symbolNodeInfo{node: n, symbol: sym})
				return
			}
		}

		if symType, isSymbol := symbolTypes[n.Type]; isSymbol {
			if sym := c.extractSymbol(n, tree, symType, language); sym != nil {
				symbolNodes = append(symbolNodes, &symbolNodeInfo{node: n, symbol: sym})
				return
			}
		}

		for _, child := range n.Children {
			walk(child)
		}
	}

	for _, child := range root.Children {
		walk(child)
	}

	return symbolNodes
}

// extractSymbol extracts symbol info from a node
func (c *CodeChunker) extractSymbol(n *Node, tree *Tree, symType SymbolType, language string) *Symbol {
	config, _ := c.registry.GetByName(language)
	name := c.extractor.extractName(n, tree.Source, config, language)
	if name == "" {
		return nil
	}

	docComment := c.extractDocComment(n, tree.Source, language)

	return &Symbol{
		Name:       name,
		Type:       symType,
		StartLine:  int(n.StartPoint.Row) + 1,
		EndLine:    int(n.EndPoint.Row) + 1,
		DocComment: docComment,
	}
}

// extractDocComment extracts doc comment for a node, looking for multi-line comments
func (c *CodeChunker) extractDocComment(n *Node, source []byte, language string) string {
	// Find the start of the current line
	lineStart := int(n.StartByte)
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}

	// Look for comment on preceding lines
	if lineStart <= 1 {
		return ""
	}

	// Collect comment lines working backwards
	var commentLines []string
	pos := lineStart - 1 // Start before the newline

	for pos > 0 {
		// Find start of previous line
		prevLineEnd := pos
		pos--
		for pos > 0 && source[pos] != '\n' {
			pos--
		}
		prevLineStart := pos
		if pos > 0 {
			prevLineStart++ // Skip the newline
		}

		prevLine := strings.TrimSpace(string(source[prevLineStart:prevLineEnd]))

		// Check for single-line comments
		switch language {
		case "go", "typescript", "tsx", "javascript", "jsx":
			if strings.HasPrefix(prevLine, "//") {
				commentLines = append([]string{strings.TrimPrefix(prevLine, "//")}, commentLines...)
				continue
			}
		case "python":
			if strings.HasPrefix(prevLine, "#") {
				commentLines = append([]string{strings.TrimPrefix(prevLine, "#")}, commentLines...)
				continue
			}
		}

		// Stop if we hit a non-comment line (unless empty)
		if prevLine != "" {
			break
		}
	}

	if len(commentLines) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(commentLines, "\n"))
}

// createChunksFromNode creates one or more chunks from a symbol node,
// following a three-way strategy: emit the node whole if it fits; if it's
// an oversized collapsible container emit an overview chunk plus either a
// full chunk (moderately oversized) or chunks for its recursed-into
// children (badly oversized); otherwise forced line-split.
func (c *CodeChunker) createChunksFromNode(info *symbolNodeInfo, tree *Tree, file *FileInput, fileContext string, now time.Time) []*Chunk {
	node := info.node
	rawContent := string(tree.Source[node.StartByte:node.EndByte])

	// Include doc comment in raw content if it exists
	rawContentWithDoc := rawContent
	if info.symbol.DocComment != "" {
		rawContentWithDoc = c.getRawContentWithDocComment(node, tree.Source, info.symbol.DocComment)
	}

	tokens := estimateTokens(rawContentWithDoc)

	if tokens <= c.options.MaxChunkTokens {
		// Small enough to be a single chunk
		return []*Chunk{c.createChunk(file, rawContentWithDoc, fileContext, info.symbol, now)}
	}

	if !isCollapsible(info.symbol.Type) {
		return c.splitByLines(rawContent, info.symbol, file, fileContext, now, int(node.StartPoint.Row)+1)
	}

	overview := c.createOverviewChunk(info, tree, file, fileContext, now)
	chunks := []*Chunk{overview}

	if tokens <= 2*c.options.MaxChunkTokens {
		full := c.createChunk(file, rawContentWithDoc, fileContext, info.symbol, now)
		return append(chunks, full)
	}

	children := c.collectSymbolNodes(node, tree, file.Language)
	if len(children) == 0 {
		// No named children to recurse into: forced line-split fallback
		// scoped to this node's byte range.
		return append(chunks, c.splitByLines(rawContent, info.symbol, file, fileContext, now, int(node.StartPoint.Row)+1)...)
	}

	headerLine := c.enclosingHeaderLine(node, tree.Source, file.Language)
	for _, child := range children {
		childChunks := c.createChunksFromNode(child, tree, file, fileContext, now)
		for _, ch := range childChunks {
			if headerLine != "" {
				ch.Content = headerLine + "\n" + ch.Content
				ch.Digest = chunkDigest(ch.Content)
			}
		}
		chunks = append(chunks, childChunks...)
	}

	return chunks
}

// createOverviewChunk builds a signature-only chunk for a collapsible node
// too large to embed whole: the node's header up to its body, followed by
// a placeholder body marker, so callers still see the symbol's shape.
func (c *CodeChunker) createOverviewChunk(info *symbolNodeInfo, tree *Tree, file *FileInput, fileContext string, now time.Time) *Chunk {
	node := info.node
	full := string(tree.Source[node.StartByte:node.EndByte])
	signature := extractSignature(full, file.Language)

	var placeholder string
	if file.Language == "python" {
		placeholder = signature + ":\n    ...\n"
	} else {
		placeholder = signature + " {\n    ...\n}"
	}

	overviewSymbol := &Symbol{
		Name:       info.symbol.Name,
		Type:       info.symbol.Type,
		StartLine:  info.symbol.StartLine,
		EndLine:    info.symbol.EndLine,
		DocComment: info.symbol.DocComment,
	}

	chunk := c.createChunk(file, placeholder, fileContext, overviewSymbol, now)
	chunk.Metadata["overview"] = "true"
	return chunk
}

// extractSignature returns the portion of a node's source before its body
// opens (first "{" for brace languages, first top-level ":" for Python).
func extractSignature(content, language string) string {
	if language == "python" {
		depth := 0
		for i, r := range content {
			switch r {
			case '(', '[', '{':
				depth++
			case ')', ']', '}':
				depth--
			case ':':
				if depth == 0 {
					return strings.TrimRight(content[:i], " \t\r\n")
				}
			}
		}
		return content
	}
	if idx := strings.Index(content, "{"); idx >= 0 {
		return strings.TrimRight(content[:idx], " \t\r\n")
	}
	return content
}

// enclosingHeaderLine renders a single-line header plus a placeholder body
// marker for the enclosing node, so a recursed-into child chunk still
// carries the shape of its container.
func (c *CodeChunker) enclosingHeaderLine(node *Node, source []byte, language string) string {
	full := string(source[node.StartByte:node.EndByte])
	sig := extractSignature(full, language)
	if sig == "" {
		return ""
	}
	if language == "python" {
		return sig + ":\n    # ..."
	}
	return sig + " {\n    // ..."
}

// getRawContentWithDocComment gets raw content including doc comment
func (c *CodeChunker) getRawContentWithDocComment(n *Node, source []byte, docComment string) string {
	// Find start of doc comment (before the node)
	lineStart := int(n.StartByte)
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}

	// Count back through comment lines
	docLines := strings.Count(docComment, "\n") + 1
	for i := 0; i < docLines && lineStart > 0; i++ {
		lineStart--
		for lineStart > 0 && source[lineStart-1] != '\n' {
			lineStart--
		}
	}

	return string(source[lineStart:n.EndByte])
}

// splitByLines splits content into line-based chunks with overlap
func (c *CodeChunker) splitByLines(content string, symbol *Symbol, file *FileInput, fileContext string, now time.Time, startLine int) []*Chunk {
	lines := strings.Split(content, "\n")
	// Return empty slice, not nil, for consistent API behavior (DEBT-012)
	if len(lines) == 0 {
		return []*Chunk{}
	}

	// Calculate lines per chunk (roughly)
	// TokensPerChar = 4, so ~128 chars = 32 tokens per line average
	// For 300 tokens, that's about 9-10 lines, but we'll use more conservative estimate
	maxLinesPerChunk := (c.options.MaxChunkTokens * TokensPerChar) / 80 // Assume 80 chars per line average
	if maxLinesPerChunk < 20 {
		maxLinesPerChunk = 20
	}

	overlapLines := (c.options.OverlapTokens * TokensPerChar) / 80
	if overlapLines < 2 {
		overlapLines = 2
	}

	var chunks []*Chunk
	for i := 0; i < len(lines); {
		end := i + maxLinesPerChunk
		if end > len(lines) {
			end = len(lines)
		}

		chunkContent := strings.Join(lines[i:end], "\n")
		chunkStartLine := startLine + i
		chunkEndLine := startLine + end - 1

		// Create a sub-symbol for this chunk
		subSymbol := &Symbol{
			Name:      fmt.Sprintf("%s_part%d", symbol.Name, len(chunks)+1),
			Type:      symbol.Type,
			StartLine: chunkStartLine,
			EndLine:   chunkEndLine,
		}

		// For the first chunk, also register the parent symbol.
		// This ensures queries for "Search method" can find split symbols
		// that are stored as "Search_part1", "Search_part2", etc.
		// (See RCA-013: Split Symbol Discovery)
		symbols := []*Symbol{subSymbol}
		if len(chunks) == 0 {
			// Add parent symbol to first chunk for discoverability
			parentSymbol := &Symbol{
				Name:      symbol.Name,
				Type:      symbol.Type,
				StartLine: symbol.StartLine,
				EndLine:   symbol.EndLine,
			}
			symbols = append(symbols, parentSymbol)
		}

		content := combineContextAndContent(fileContext, chunkContent)
		chunk := &Chunk{
			ID:          generateChunkID(file.Path, chunkContent),
			FilePath:    file.Path,
			Content:     content,
			RawContent:  chunkContent,
			Context:     fileContext,
			ContentType: ContentTypeCode,
			Language:    file.Language,
			LanguageTag: coarseLanguageTag(file.Language),
			StartLine:   chunkStartLine,
			EndLine:     chunkEndLine,
			Digest:      chunkDigest(content),
			Symbols:     symbols,
			Metadata:    make(map[string]string),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		chunks = append(chunks, chunk)

		// Move forward, accounting for overlap
		i = end - overlapLines
		if i <= 0 || end >= len(lines) {
			break
		}
	}

	return chunks
}

// createChunk creates a single chunk from content
func (c *CodeChunker) createChunk(file *FileInput, rawContent, fileContext string, symbol *Symbol, now time.Time) *Chunk {
	content := combineContextAndContent(fileContext, rawContent)
	return &Chunk{
		ID:          generateChunkID(file.Path, rawContent),
		FilePath:    file.Path,
		Content:     content,
		RawContent:  rawContent,
		Context:     fileContext,
		ContentType: ContentTypeCode,
		Language:    file.Language,
		LanguageTag: coarseLanguageTag(file.Language),
		StartLine:   symbol.StartLine,
		EndLine:     symbol.EndLine,
		Digest:      chunkDigest(content),
		Symbols:     []*Symbol{symbol},
		Metadata:    make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// extractFileContext extracts package declaration and imports from a file
func (c *CodeChunker) extractFileContext(tree *Tree, source []byte, language string) string {
	var parts []string

	switch language {
	case "go":
		parts = c.extractGoContext(tree, source)
	case "typescript", "tsx":
		parts = c.extractTSContext(tree, source)
	case "javascript", "jsx":
		parts = c.extractJSContext(tree, source)
	case "python":
		parts = c.extractPythonContext(tree, source)
	}

	return strings.Join(parts, "\n\n")
}

func (c *CodeChunker) extractGoContext(tree *Tree, source []byte) []string {
	var parts []string

	// Find package clause
	for _, node := range tree.Root.Children {
		if node.Type == "package_clause" {
			parts = append(parts, node.GetContent(source))
			break
		}
	}

	// Find import declarations
	for _, node := range tree.Root.Children {
		if node.Type == "import_declaration" {
			parts = append(parts, node.GetContent(source))
		}
	}

	return parts
}

func (c *CodeChunker) extractTSContext(tree *Tree, source []byte) []string {
	return c.extractJSContext(tree, source) // Same for TS/TSX
}

func (c *CodeChunker) extractJSContext(tree *Tree, source []byte) []string {
	var parts []string

	// Find import statements
	for _, node := range tree.Root.Children {
		if node.Type == "import_statement" {
			parts = append(parts, node.GetContent(source))
		}
	}

	return parts
}

func (c *CodeChunker) extractPythonContext(tree *Tree, source []byte) []string {
	var parts []string

	// Find import statements
	for _, node := range tree.Root.Children {
		if node.Type == "import_statement" || node.Type == "import_from_statement" {
			parts = append(parts, node.GetContent(source))
		}
	}

	return parts
}

// chunkByLines is the fallback for unsupported languages, parse failures,
// and the forced byte-range split when AST recursion bottoms out with
// nothing usable.
func (c *CodeChunker) chunkByLines(file *FileInput) ([]*Chunk, error) {
	content := string(file.Content)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	lines := strings.Split(content, "\n")
	linesPerChunk := 128 // ~2560 tokens at 4 chars per token, 80 chars per line
	overlapLines := 16   // ~320 tokens overlap

	var chunks []*Chunk
	now := time.Now()

	for i := 0; i < len(lines); {
		end := i + linesPerChunk
		if end > len(lines) {
			end = len(lines)
		}

		chunkContent := strings.Join(lines[i:end], "\n")
		startLine := i + 1 // 1-indexed
		endLine := end     // Inclusive

		chunk := &Chunk{
			ID:          generateChunkID(file.Path, chunkContent),
			FilePath:    file.Path,
			Content:     chunkContent,
			RawContent:  chunkContent,
			Context:     "",
			ContentType: ContentTypeText,
			Language:    file.Language,
			LanguageTag: coarseLanguageTag(file.Language),
			StartLine:   startLine,
			EndLine:     endLine,
			Digest:      chunkDigest(chunkContent),
			Symbols:     nil,
			Metadata:    make(map[string]string),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		chunks = append(chunks, chunk)

		// Move forward with overlap
		i = end - overlapLines
		if i <= 0 || end >= len(lines) {
			break
		}
	}

	return chunks, nil
}

// generateChunkID generates a content-addressable chunk ID from file path and content.
// The ID is derived from filePath and content hash, making it stable across line number
// shifts while preserving file context. This is critical for checkpoint/resume to work
// correctly when files are modified between indexing sessions (BUG-052).
//
// Properties:
//   - Same content in same file = same ID (stable across line shifts)
//   - Different content in same file = different ID (triggers re-embedding)
//   - Same content in different files = different IDs (preserves file context)
func generateChunkID(filePath string, content string) string {
	// Hash the content first
	contentHash := sha256.Sum256([]byte(content))
	contentHashStr := hex.EncodeToString(contentHash[:])[:16]

	// Combine with file path for uniqueness per file
	input := fmt.Sprintf("%s:%s", filePath, contentHashStr)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])[:16]
}

// chunkDigest hashes a chunk's final content, shared with the embedding
// cache's digest-keyed lookup.
func chunkDigest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// coarseLanguageTag collapses JSX/TSX variants onto their parent grammar
// tag so vector rows group by language family regardless of file extension.
func coarseLanguageTag(language string) string {
	switch language {
	case "tsx":
		return "typescript"
	case "jsx":
		return "javascript"
	default:
		return language
	}
}

// estimateTokens estimates the number of tokens in content
func estimateTokens(content string) int {
	return len(content) / TokensPerChar
}

// combineContextAndContent combines context and raw content into full content
func combineContextAndContent(context, rawContent string) string {
	if context == "" {
		return rawContent
	}
	return context + "\n\n" + rawContent
}

// enrichContextWithFilePath prepends a file path marker to the context.
// This helps embedding models understand file location and scope.
// The marker format is language-appropriate (// for Go/JS/TS, # for Python).
func (c *CodeChunker) enrichContextWithFilePath(filePath, language, existingContext string) string {
	if filePath == "" {
		return existingContext
	}

	// Use language-appropriate comment syntax
	var marker string
	switch language {
	case "python":
		marker = fmt.Sprintf("# File: %s", filePath)
	default:
		// Go, TypeScript, JavaScript, etc. use //
		marker = fmt.Sprintf("// File: %s", filePath)
	}

	if existingContext == "" {
		return marker
	}
	return marker + "\n" + existingContext
}
