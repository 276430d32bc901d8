// Package markdown собирает воедино markdown, пришедший потоковыми
// фрагментами: границы фрагментов режут заголовки и таблицы, движок
// иногда заворачивает весь документ в кодовый блок.
package markdown

import (
	"regexp"
	"strings"
)

var (
	atxHeadingRe    = regexp.MustCompile("^(#{1,6})\\s*(.*)$")
	bareChapterRe   = regexp.MustCompile("^第([0-9]+|[一二三四五六七八九十]+)[章节]")
	separatorCellRe = regexp.MustCompile(`^:?-{3,}:?$`)
	newlineRunRe    = regexp.MustCompile(`\n{4,}`)
	fenceOpenRe     = regexp.MustCompile("^```")
)

// Preprocess нормализует накопленный потоковый markdown перед рендерингом.
// Применяется только при отображении: сырой накопленный текст остается
// источником истины. Функция идемпотентна: Preprocess(Preprocess(s)) ==
// Preprocess(s).
func Preprocess(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	t := stripDocumentFence(text)
	t = normalizeHeadings(t)
	t = normalizeTables(t)
	t = newlineRunRe.ReplaceAllString(t, "\n\n\n")
	return strings.Trim(t, "\n")
}

// stripDocumentFence снимает кодовую ограду, обернувшую весь документ.
// Снимается только полная обертка: первая строка — открывающая ограда,
// последняя непустая — закрывающая, и других оград внутри нет.
func stripDocumentFence(text string) string {
	lines := strings.Split(strings.Trim(text, "\n"), "\n")
	if len(lines) < 2 {
		return text
	}

	first := strings.TrimSpace(lines[0])
	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(first, "```") || last != "```" {
		return text
	}
	for _, line := range lines[1 : len(lines)-1] {
		if fenceOpenRe.MatchString(strings.TrimSpace(line)) {
			// Внутри есть собственные кодовые блоки: это не обертка документа
			return text
		}
	}
	return strings.Join(lines[1:len(lines)-1], "\n")
}

// normalizeHeadings повышает голые строки "第N章..." до заголовков третьего
// уровня, ставит ровно один пробел после решеток и ровно одну пустую строку
// вокруг каждого заголовка не в начале текста.
func normalizeHeadings(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	inFence := false
	afterHeading := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if fenceOpenRe.MatchString(trimmed) {
			inFence = !inFence
			out = append(out, line)
			afterHeading = false
			continue
		}
		if inFence {
			out = append(out, line)
			continue
		}

		// Семантические заголовки разделов без синтаксиса markdown
		if bareChapterRe.MatchString(trimmed) {
			line = "### " + trimmed
			trimmed = line
		}

		if m := atxHeadingRe.FindStringSubmatch(trimmed); m != nil {
			heading := m[1]
			if title := strings.TrimSpace(m[2]); title != "" {
				heading += " " + title
			}
			out = ensureSingleBlankBefore(out)
			out = append(out, heading)
			afterHeading = true
			continue
		}

		if afterHeading {
			if trimmed == "" {
				// Лишние пустые строки после заголовка схлопываются до одной
				continue
			}
			out = append(out, "")
			afterHeading = false
		}
		out = append(out, line)
	}

	if afterHeading {
		out = append(out, "")
	}
	return strings.Join(out, "\n")
}

// normalizeTables гарантирует пустую строку вокруг табличного блока,
// обрезает пробелы в ячейках и синтезирует отсутствующую строку-разделитель
// после первой строки данных.
func normalizeTables(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	inFence := false
	var table []string

	flush := func() {
		if len(table) == 0 {
			return
		}
		block := rebuildTable(table)
		out = ensureSingleBlankBefore(out)
		out = append(out, block...)
		out = append(out, "")
		table = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if fenceOpenRe.MatchString(trimmed) {
			flush()
			inFence = !inFence
			out = append(out, line)
			continue
		}
		if inFence {
			out = append(out, line)
			continue
		}

		if strings.HasPrefix(trimmed, "|") {
			table = append(table, trimmed)
			continue
		}

		if len(table) > 0 {
			flush()
			if trimmed == "" {
				// Пустая строка после таблицы уже добавлена при flush
				continue
			}
		}
		out = append(out, line)
	}
	flush()

	return strings.Join(out, "\n")
}

// rebuildTable чистит ячейки и добавляет разделитель, если его нет.
func rebuildTable(rows []string) []string {
	cleaned := make([]string, 0, len(rows)+1)
	hasSeparator := false
	for _, row := range rows {
		cells := splitRow(row)
		if isSeparatorRow(cells) {
			hasSeparator = true
		}
		cleaned = append(cleaned, "| "+strings.Join(cells, " | ")+" |")
	}

	if !hasSeparator && len(cleaned) > 0 {
		cells := splitRow(rows[0])
		sep := make([]string, len(cells))
		for i := range sep {
			sep[i] = "---"
		}
		separator := "| " + strings.Join(sep, " | ") + " |"
		rebuilt := make([]string, 0, len(cleaned)+1)
		rebuilt = append(rebuilt, cleaned[0], separator)
		rebuilt = append(rebuilt, cleaned[1:]...)
		return rebuilt
	}
	return cleaned
}

func splitRow(row string) []string {
	row = strings.TrimSpace(row)
	row = strings.TrimPrefix(row, "|")
	row = strings.TrimSuffix(row, "|")
	parts := strings.Split(row, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}

func isSeparatorRow(cells []string) bool {
	if len(cells) == 0 {
		return false
	}
	for _, c := range cells {
		if !separatorCellRe.MatchString(c) {
			return false
		}
	}
	return true
}

// ensureSingleBlankBefore оставляет ровно одну пустую строку в конце out,
// если out непуст.
func ensureSingleBlankBefore(out []string) []string {
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	if len(out) > 0 {
		out = append(out, "")
	}
	return out
}
