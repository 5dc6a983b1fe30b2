package diagnosis

import (
	"regexp"
	"strings"
)

const (
	icdBlockLabel = "ICD Codes:"
	cptBlockLabel = "CPT Codes:"
	codeSeparator = ", "
	pairSeparator = "; "
)

var (
	// Matches one generated block and the blank lines before it.
	codeBlockPattern = regexp.MustCompile(`\n*(?:ICD|CPT) Codes:[^\n]*`)
	cptBlockPattern  = regexp.MustCompile(`CPT Codes:[ \t]*([^\n]*)`)
	cptCodePattern   = regexp.MustCompile(`^\d[0-9A-Z]*$`)
)

// JoinICD returns the diagnosis_code column value, nil when codes is empty.
func JoinICD(codes []CodeRef) *string {
	parts := make([]string, 0, len(codes))
	for _, c := range codes {
		if code := strings.TrimSpace(c.Code); code != "" {
			parts = append(parts, code)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	joined := strings.Join(parts, codeSeparator)
	return &joined
}

// FormatBlock renders "<label> code (description); ...". Empty input
// renders nothing.
func FormatBlock(label string, codes []CodeRef) string {
	pairs := make([]string, 0, len(codes))
	for _, c := range codes {
		code := strings.TrimSpace(c.Code)
		if code == "" {
			continue
		}
		desc := balanceParens(strings.Join(strings.Fields(c.Description), " "))
		pairs = append(pairs, code+" ("+desc+")")
	}
	if len(pairs) == 0 {
		return ""
	}
	return label + " " + strings.Join(pairs, pairSeparator)
}

// balanceParens drops unmatched parentheses so a description always closes
// where its pair ends.
func balanceParens(desc string) string {
	b := []byte(desc)
	drop := make(map[int]bool)
	var open []int
	for i, c := range b {
		switch c {
		case '(':
			open = append(open, i)
		case ')':
			if len(open) == 0 {
				drop[i] = true
				continue
			}
			open = open[:len(open)-1]
		}
	}
	if len(drop) == 0 && len(open) == 0 {
		return desc
	}
	for _, i := range open {
		drop[i] = true
	}
	out := make([]byte, 0, len(b))
	for i, c := range b {
		if !drop[i] {
			out = append(out, c)
		}
	}
	return strings.Join(strings.Fields(string(out)), " ")
}

// EncodeNotes appends the ICD and CPT blocks to the free text, each in its
// own paragraph. Blocks already present in freeText are replaced.
func EncodeNotes(freeText string, icd, cpt []CodeRef) string {
	out := StripCodeBlocks(freeText)
	for _, block := range []string{FormatBlock(icdBlockLabel, icd), FormatBlock(cptBlockLabel, cpt)} {
		if block == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += block
	}
	return out
}

// StripCodeBlocks removes the generated blocks, leaving the free text.
func StripCodeBlocks(notes string) string {
	return strings.TrimSpace(codeBlockPattern.ReplaceAllString(notes, ""))
}

// SplitICD parses the comma-joined diagnosis_code column.
func SplitICD(diagnosisCode string) []string {
	var codes []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(diagnosisCode, ",") {
		code := strings.TrimSpace(part)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		codes = append(codes, code)
	}
	return codes
}

// ExtractCPT recovers CPT codes from the "CPT Codes:" block of notes.
// Descriptions may contain separators and nested parentheses.
func ExtractCPT(notes string) []string {
	m := cptBlockPattern.FindStringSubmatch(notes)
	if m == nil {
		return nil
	}
	var codes []string
	seen := make(map[string]bool)
	rest := m[1]
	for rest != "" {
		code, next, ok := nextCPTPair(rest)
		if !ok {
			break
		}
		if !seen[code] {
			seen[code] = true
			codes = append(codes, code)
		}
		rest = next
	}
	return codes
}

// nextCPTPair reads one "code (description)" pair from the start of s and
// returns what follows its separator. An unclosed description ends the block.
func nextCPTPair(s string) (code, rest string, ok bool) {
	s = strings.TrimLeft(s, " \t")
	open := strings.IndexByte(s, '(')
	if open <= 0 {
		return "", "", false
	}
	code = strings.TrimSpace(s[:open])
	if !cptCodePattern.MatchString(code) {
		return "", "", false
	}
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth > 0 {
				continue
			}
			after := strings.TrimLeft(s[i+1:], " \t")
			if !strings.HasPrefix(after, ";") {
				return code, "", true
			}
			return code, after[1:], true
		}
	}
	return code, "", true
}

// ApplyCodes fills the flattened columns of d from its structured codes:
// diagnosis_code, the name fallback and the notes blocks.
func ApplyCodes(d *Diagnosis) {
	d.DiagnosisCode = JoinICD(d.ICDCodes)
	if strings.TrimSpace(d.DiagnosisName) == "" && len(d.ICDCodes) > 0 {
		d.DiagnosisName = d.ICDCodes[0].Description
	}

	free := ""
	if d.Notes != nil {
		free = *d.Notes
	}
	notes := EncodeNotes(free, d.ICDCodes, d.CPTCodes)
	if notes == "" {
		d.Notes = nil
		return
	}
	d.Notes = &notes
}

// DecodeCodes returns the code strings stored in the flattened columns.
func DecodeCodes(d *Diagnosis) (icd, cpt []string) {
	if d.DiagnosisCode != nil {
		icd = SplitICD(*d.DiagnosisCode)
	}
	if d.Notes != nil {
		cpt = ExtractCPT(*d.Notes)
	}
	return icd, cpt
}

// ChildRows converts the structured selection into diagnosis_code rows.
func ChildRows(d *Diagnosis) []Code {
	rows := make([]Code, 0, len(d.ICDCodes)+len(d.CPTCodes))
	add := func(codeType string, refs []CodeRef) {
		seen := make(map[string]bool, len(refs))
		pos := 0
		for _, r := range refs {
			code := strings.TrimSpace(r.Code)
			if code == "" || seen[code] {
				continue
			}
			seen[code] = true
			rows = append(rows, Code{Type: codeType, Code: code, Description: r.Description, Position: pos})
			pos++
		}
	}
	add(CodeTypeICD10, d.ICDCodes)
	add(CodeTypeCPT, d.CPTCodes)
	return rows
}

// SplitRows separates child rows by code system, keeping their order.
func SplitRows(rows []Code) (icd, cpt []CodeRef) {
	for _, r := range rows {
		ref := CodeRef{Code: r.Code, Description: r.Description}
		if r.Type == CodeTypeCPT {
			cpt = append(cpt, ref)
		} else {
			icd = append(icd, ref)
		}
	}
	return icd, cpt
}
