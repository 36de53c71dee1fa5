package recoverylog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Format 导出格式
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatHTML Format = "html"
)

// ParseFormat 解析导出格式
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatCSV, FormatHTML:
		return f, nil
	default:
		return "", fmt.Errorf("不支持的导出格式: %q", s)
	}
}

var csvHeader = []string{
	"id", "service", "kind", "action", "trigger", "attempt",
	"started_at", "duration_ms", "success", "detail", "dry_run",
}

// Export 把当前全部记录写入dir下的新文件并返回路径
func (l *Log) Export(format Format, dir string) (string, error) {
	records := l.All()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建导出目录失败: %w", err)
	}

	name := fmt.Sprintf("recovery-%s-%s.%s",
		time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8], format)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("创建导出文件失败: %w", err)
	}

	if err := WriteExport(f, format, records); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("关闭导出文件失败: %w", err)
	}
	return path, nil
}

// WriteExport 按格式写出记录
func WriteExport(w io.Writer, format Format, records []Record) error {
	if records == nil {
		records = []Record{}
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case FormatCSV:
		return writeCSV(w, records)
	case FormatHTML:
		return htmlReport.Execute(w, reportData{
			GeneratedAt: time.Now().UTC(),
			Records:     records,
			Summary:     summarize(records),
		})
	default:
		return fmt.Errorf("不支持的导出格式: %q", format)
	}
}

func writeCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.ID,
			r.Service,
			string(r.Kind),
			r.Action,
			r.Trigger,
			strconv.Itoa(r.Attempt),
			r.StartedAt.Format(time.RFC3339Nano),
			strconv.FormatInt(r.DurationMs, 10),
			strconv.FormatBool(r.Success),
			r.Detail,
			strconv.FormatBool(r.DryRun),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ParseExport 解析JSON或CSV导出，HTML只用于阅读
func ParseExport(format Format, r io.Reader) ([]Record, error) {
	switch format {
	case FormatJSON:
		var records []Record
		if err := json.NewDecoder(r).Decode(&records); err != nil {
			return nil, fmt.Errorf("解析JSON导出失败: %w", err)
		}
		return records, nil
	case FormatCSV:
		return parseCSV(r)
	default:
		return nil, fmt.Errorf("无法解析%s格式的导出", format)
	}
}

func parseCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("解析CSV导出失败: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("CSV导出缺少表头")
	}

	records := make([]Record, 0, len(rows)-1)
	for i, row := range rows[1:] {
		rec, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("CSV第%d行: %w", i+2, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRow(row []string) (Record, error) {
	attempt, err := strconv.Atoi(row[5])
	if err != nil {
		return Record{}, err
	}
	startedAt, err := time.Parse(time.RFC3339Nano, row[6])
	if err != nil {
		return Record{}, err
	}
	duration, err := strconv.ParseInt(row[7], 10, 64)
	if err != nil {
		return Record{}, err
	}
	success, err := strconv.ParseBool(row[8])
	if err != nil {
		return Record{}, err
	}
	dryRun, err := strconv.ParseBool(row[10])
	if err != nil {
		return Record{}, err
	}

	return Record{
		ID:         row[0],
		Service:    row[1],
		Kind:       Kind(row[2]),
		Action:     row[3],
		Trigger:    row[4],
		Attempt:    attempt,
		StartedAt:  startedAt,
		DurationMs: duration,
		Success:    success,
		Detail:     row[9],
		DryRun:     dryRun,
	}, nil
}

type summary struct {
	Total     int
	Succeeded int
	Failed    int
	Alerts    int
	DryRuns   int
}

type reportData struct {
	GeneratedAt time.Time
	Records     []Record
	Summary     summary
}

func summarize(records []Record) summary {
	var s summary
	for _, r := range records {
		s.Total++
		switch {
		case r.Kind == KindAlert:
			s.Alerts++
		case r.DryRun:
			s.DryRuns++
		case r.Success:
			s.Succeeded++
		default:
			s.Failed++
		}
	}
	return s
}

var htmlReport = template.Must(template.New("report").Funcs(template.FuncMap{
	"ts": func(t time.Time) string { return t.Format(time.RFC3339) },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Recovery report</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
tr.ok td.result { color: #2a7d2a; }
tr.fail td.result { color: #b22222; }
tr.alert td.result { color: #b8860b; }
</style>
</head>
<body>
<h1>Recovery report</h1>
<p>Generated {{ts .GeneratedAt}}: {{.Summary.Total}} records, {{.Summary.Succeeded}} succeeded, {{.Summary.Failed}} failed, {{.Summary.Alerts}} alerts, {{.Summary.DryRuns}} dry runs.</p>
<table>
<tr><th>Started</th><th>Service</th><th>Kind</th><th>Action</th><th>Trigger</th><th>Attempt</th><th>Duration (ms)</th><th>Result</th><th>Detail</th></tr>
{{- range .Records}}
<tr class="{{if eq .Kind "alert"}}alert{{else if .Success}}ok{{else}}fail{{end}}">
<td>{{ts .StartedAt}}</td><td>{{.Service}}</td><td>{{.Kind}}</td><td>{{.Action}}</td><td>{{.Trigger}}</td><td>{{.Attempt}}</td><td>{{.DurationMs}}</td>
<td class="result">{{if eq .Kind "alert"}}alert{{else if .DryRun}}dry-run{{else if .Success}}success{{else}}failed{{end}}</td><td>{{.Detail}}</td>
</tr>
{{- end}}
</table>
</body>
</html>
`))
