package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"text/tabwriter"
	"time"
)

const (
	codeOK = "ok"
	// scenarioOp — псевдо-операция, под которой учитывается весь сценарий целиком.
	scenarioOp = "scenario"
)

// latencyMs — распределение задержек в миллисекундах.
type latencyMs struct {
	Min float64 `json:"min"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencyMs        `json:"latency_ms"`
}

// numberReport — проверка выданных номеров документов на уникальность и формат.
type numberReport struct {
	Issued     int            `json:"issued"`
	ByPrefix   map[string]int `json:"by_prefix,omitempty"`
	Duplicates []string       `json:"duplicates,omitempty"`
	Malformed  []string       `json:"malformed,omitempty"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencyMs               `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
	Numbers           numberReport            `json:"numbers"`
}

// ok — прогон без ошибок, все номера уникальны и корректны.
func (r report) ok() bool {
	return r.FailedScenarios == 0 && len(r.Numbers.Duplicates) == 0 && len(r.Numbers.Malformed) == 0
}

type opSamples struct {
	ok, failed int64
	codes      map[string]int64
	took       []time.Duration
}

func (s *opSamples) report() methodReport {
	calls := s.ok + s.failed
	return methodReport{
		Calls:     calls,
		Success:   s.ok,
		Failed:    s.failed,
		ErrorRate: errorRate(s.failed, calls),
		Codes:     maps.Clone(s.codes),
		LatencyMs: summarize(s.took),
	}
}

// collector накапливает результаты вызовов из всех воркеров.
type collector struct {
	mu      sync.Mutex
	ops     map[string]*opSamples
	numbers map[string]int
}

func newCollector() *collector {
	return &collector{
		ops:     make(map[string]*opSamples),
		numbers: make(map[string]int),
	}
}

// record учитывает вызов операции op; успехом считается только code == codeOK.
func (c *collector) record(op string, took time.Duration, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.ops[op]
	if s == nil {
		s = &opSamples{codes: make(map[string]int64)}
		c.ops[op] = s
	}
	if code == codeOK {
		s.ok++
	} else {
		s.failed++
	}
	s.codes[code]++
	s.took = append(s.took, took)
}

// issued запоминает номер документа, который вернул сервис.
func (c *collector) issued(number string) {
	c.mu.Lock()
	c.numbers[number]++
	c.mu.Unlock()
}

// buildReport сводит накопленное; valid проверяет формат номера (nil — не проверять).
func (c *collector) buildReport(startedAt time.Time, elapsed time.Duration, valid func(string) bool) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Methods:         make(map[string]methodReport, len(c.ops)),
	}
	for op, s := range c.ops {
		r.Methods[op] = s.report()
	}

	if scenario, ok := r.Methods[scenarioOp]; ok {
		r.TotalScenarios = scenario.Calls
		r.SuccessScenarios = scenario.Success
		r.FailedScenarios = scenario.Failed
		r.ErrorRate = scenario.ErrorRate
		r.ScenarioLatencyMs = scenario.LatencyMs
	}
	if elapsed > 0 {
		r.RPS = float64(r.TotalScenarios) / elapsed.Seconds()
	}

	r.Numbers = checkNumbers(c.numbers, valid)
	return r
}

func checkNumbers(numbers map[string]int, valid func(string) bool) numberReport {
	nr := numberReport{ByPrefix: make(map[string]int)}
	for number, seen := range numbers {
		nr.Issued += seen
		prefix, _, _ := strings.Cut(number, "-")
		nr.ByPrefix[prefix] += seen
		if seen > 1 {
			nr.Duplicates = append(nr.Duplicates, number)
		}
		if valid != nil && !valid(number) {
			nr.Malformed = append(nr.Malformed, number)
		}
	}
	slices.Sort(nr.Duplicates)
	slices.Sort(nr.Malformed)
	return nr
}

// writeJSONReport пишет отчёт в файл внутри текущего каталога.
func writeJSONReport(path string, r report) error {
	clean := filepath.Clean(path)
	if !filepath.IsLocal(clean) || clean == "." {
		return fmt.Errorf("report path must be a file inside the working directory: %q", path)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(clean, append(data, '\n'), 0o600)
}

func printReport(w io.Writer, r report, cfg config) {
	_, _ = fmt.Fprintln(w, "Load test summary")
	_, _ = fmt.Fprintf(w, "mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode, runTarget(cfg), r.TotalScenarios, r.SuccessScenarios, r.FailedScenarios, r.ErrorRate)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", r.DurationSeconds, r.RPS)

	l := r.ScenarioLatencyMs
	_, _ = fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		l.Min, l.Avg, l.P50, l.P95, l.P99, l.Max)
	_, _ = fmt.Fprintf(w, "numbers: issued=%d duplicates=%d malformed=%d\n",
		r.Numbers.Issued, len(r.Numbers.Duplicates), len(r.Numbers.Malformed))
	for _, prefix := range slices.Sorted(maps.Keys(r.Numbers.ByPrefix)) {
		_, _ = fmt.Fprintf(w, "  %s: %d\n", prefix, r.Numbers.ByPrefix[prefix])
	}

	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	for _, op := range slices.Sorted(maps.Keys(r.Methods)) {
		if op == scenarioOp {
			continue
		}
		m := r.Methods[op]
		_, _ = fmt.Fprintf(tw, "%s: calls=%d\tsuccess=%d\tfailed=%d\terror_rate=%.4f\tp95=%.2fms\n",
			op, m.Calls, m.Success, m.Failed, m.ErrorRate, m.LatencyMs.P95)
	}
	_ = tw.Flush()
}

func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("count:%d", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return fmt.Sprintf("duration:%s", cfg.duration)
	}
}

func summarize(samples []time.Duration) latencyMs {
	if len(samples) == 0 {
		return latencyMs{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return latencyMs{
		Min: ms(sorted[0]),
		Avg: ms(sum / time.Duration(len(sorted))),
		P50: ms(quantile(sorted, 0.50)),
		P95: ms(quantile(sorted, 0.95)),
		P99: ms(quantile(sorted, 0.99)),
		Max: ms(sorted[len(sorted)-1]),
	}
}

// quantile линейно интерполирует между соседними элементами отсортированной выборки.
func quantile(sorted []time.Duration, q float64) time.Duration {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + time.Duration(math.Round(frac*float64(sorted[lo+1]-sorted[lo])))
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func errorRate(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
