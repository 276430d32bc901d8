package stream

import (
	"regexp"
	"strconv"
	"strings"
)

// Заголовки узлов завершения глав выглядят как "第三章财务分析内容生成"
// или "第3章...内容生成". Номер — арабский либо CJK числительное до 十.
var chapterTitleRe = regexp.MustCompile(`第([0-9]+|[一二三四五六七八九十]+)章`)

var cjkDigits = map[string]int{
	"一": 1, "二": 2, "三": 3, "四": 4, "五": 5,
	"六": 6, "七": 7, "八": 8, "九": 9, "十": 10,
}

// parseChapterNumber извлекает номер главы из заголовка узла.
// Возвращает false для заголовков, не похожих на завершение главы:
// некорректные и неизвестные формы молча игнорируются, никогда не паника.
func parseChapterNumber(title string) (int, bool) {
	if !strings.Contains(title, "内容生成") {
		return 0, false
	}
	m := chapterTitleRe.FindStringSubmatch(title)
	if m == nil {
		return 0, false
	}

	numeral := m[1]
	if n, err := strconv.Atoi(numeral); err == nil {
		if n <= 0 {
			return 0, false
		}
		return n, true
	}

	// Составные CJK числительные (十一 и далее) за пределами карты — no-op.
	n, ok := cjkDigits[numeral]
	return n, ok
}
