package browser

import (
	"encoding/json"

	"go.uber.org/zap"
)

// ScrapeTables extracts every HTML table on the page as a list of rows,
// each row keyed by the table's header cells. Headerless tables key cells
// as col_0, col_1, and so on.
func ScrapeTables(page Page, log *zap.Logger) []map[string]string {
	script := `(() => {
		const out = [];
		for (const table of document.querySelectorAll('table')) {
			const headers = Array.from(table.querySelectorAll('thead th, thead td'))
				.map(c => c.innerText.trim());
			for (const row of table.querySelectorAll('tbody tr')) {
				const cells = Array.from(row.querySelectorAll('td'));
				if (!cells.length) continue;
				const data = {};
				cells.forEach((cell, i) => {
					const key = i < headers.length && headers[i] ? headers[i] : 'col_' + i;
					data[key] = cell.innerText.trim();
				});
				out.push(data);
			}
		}
		return JSON.stringify(out);
	})()`

	result, err := page.Evaluate(script)
	if err != nil {
		log.Warn("table scraping failed", zap.Error(err))
		return nil
	}
	raw, _ := result.(string)
	if raw == "" {
		return nil
	}
	var rows []map[string]string
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		log.Warn("table data unreadable", zap.Error(err))
		return nil
	}
	return rows
}
