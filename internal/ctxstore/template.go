package ctxstore

import (
	"encoding/json"
	"fmt"
	"strings"

	xerrors "OpenMCP-Orchestra/internal/errors"
)

// Ref 标识模板中的一个 {step.field} 引用。
type Ref struct {
	Step  string
	Field string
}

func (r Ref) String() string {
	return r.Step + "." + r.Field
}

// ExtractRefs 扫描模板并按首次出现顺序返回去重后的引用列表。
// {{ 与 }} 转义为字面大括号；其余格式非法时返回 VALIDATION 错误。
func ExtractRefs(template string) ([]Ref, error) {
	var refs []Ref
	seen := make(map[Ref]struct{})
	err := scanTemplate(template, func(ref Ref) string {
		if _, ok := seen[ref]; !ok {
			seen[ref] = struct{}{}
			refs = append(refs, ref)
		}
		return ""
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// ResolveTemplate 以给定快照替换模板中的全部引用。
// 任一引用缺失时返回 UNRESOLVED_REFERENCE，并在元数据中列出全部缺失项。
func ResolveTemplate(template string, entries []Entry) (string, error) {
	index := make(map[string]map[string]any, len(entries))
	for _, entry := range entries {
		index[entry.Key] = entry.Fields
	}

	var missing []string
	var out strings.Builder
	err := scanTemplateEmit(template, &out, func(ref Ref) (string, bool) {
		fields, ok := index[ref.Step]
		if !ok {
			missing = append(missing, ref.String())
			return "", false
		}
		value, ok := fields[ref.Field]
		if !ok {
			missing = append(missing, ref.String())
			return "", false
		}
		return formatFieldValue(value), true
	})
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		return "", xerrors.New(xerrors.CodeUnresolvedReference,
			fmt.Sprintf("unresolved template references: %s", strings.Join(missing, ", ")),
			xerrors.WithMetadata("references", strings.Join(missing, ",")))
	}
	return out.String(), nil
}

// scanTemplate 仅遍历引用，不产出文本。
func scanTemplate(template string, visit func(Ref) string) error {
	var discard strings.Builder
	return scanTemplateEmit(template, &discard, func(ref Ref) (string, bool) {
		return visit(ref), true
	})
}

// scanTemplateEmit 是模板语法的唯一扫描器。
// lookup 返回替换文本；返回 false 表示引用缺失，扫描继续以便收集全部缺失项。
func scanTemplateEmit(template string, out *strings.Builder, lookup func(Ref) (string, bool)) error {
	for i := 0; i < len(template); {
		ch := template[i]
		switch ch {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				out.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return malformedTemplate(template, i, "unterminated reference")
			}
			body := template[i+1 : i+1+end]
			ref, ok := parseRef(body)
			if !ok {
				return malformedTemplate(template, i, fmt.Sprintf("invalid reference %q", body))
			}
			if text, found := lookup(ref); found {
				out.WriteString(text)
			}
			i += end + 2
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				out.WriteByte('}')
				i += 2
				continue
			}
			return malformedTemplate(template, i, "unmatched '}'")
		default:
			out.WriteByte(ch)
			i++
		}
	}
	return nil
}

func malformedTemplate(template string, pos int, reason string) error {
	return xerrors.New(xerrors.CodeValidation,
		fmt.Sprintf("malformed template at offset %d: %s", pos, reason),
		xerrors.WithMetadata("template", truncateForError(template)))
}

func parseRef(body string) (Ref, bool) {
	dot := strings.IndexByte(body, '.')
	if dot <= 0 || dot == len(body)-1 {
		return Ref{}, false
	}
	step, field := body[:dot], body[dot+1:]
	if !isRefName(step) || !isRefName(field) {
		return Ref{}, false
	}
	return Ref{Step: step, Field: field}, true
}

// ValidRefName 报告 name 是否能作为模板引用里的标识符使用。
func ValidRefName(name string) bool {
	return isRefName(name)
}

func isRefName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9', c == '-':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// formatFieldValue 将字段值转换为替换文本，非字符串值按 JSON 编码。
func formatFieldValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}

func truncateForError(s string) string {
	const limit = 128
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
