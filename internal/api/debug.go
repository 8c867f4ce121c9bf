package api

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/attenuator/internal/attenuator"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var devicesTemplate = template.Must(template.New("devices.html.tmpl").Funcs(template.FuncMap{
	"dB": func(v *float64) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("%.2f", *v)
	},
}).ParseFS(adminTemplateFS, "templates/devices.html.tmpl"))

// chartSamples is the number of frequencies plotted per table.
const chartSamples = 200

type devicesPage struct {
	Frequency attenuator.FrequencyState
	Devices   []attenuator.DeviceStatus
}

// AttachAdminRoutes mounts the link table, a raw command form and the
// compensation chart on the tsweb debug page.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("devices", "attenuator link table", s.debugDevices)
	debug.HandleSilentFunc("send-command", s.debugSendCommand)
	debug.HandleFunc("compensation", "compensation tables chart", s.debugCompensationChart)
}

func (s *Server) debugDevices(w http.ResponseWriter, r *http.Request) {
	page := devicesPage{Frequency: s.ctrl.Frequency(), Devices: s.ctrl.Status()}
	buf := bytes.NewBuffer(nil)
	if err := devicesTemplate.Execute(buf, page); err != nil {
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.Copy(w, buf)
}

// debugSendCommand writes a raw command to one device and returns its reply.
func (s *Server) debugSendCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	deviceID := strings.TrimSpace(r.FormValue("device_id"))
	command := strings.TrimSpace(r.FormValue("command"))
	if deviceID == "" || command == "" {
		http.Error(w, "Missing device_id or command", http.StatusBadRequest)
		return
	}
	reply, err := s.ctrl.SendRaw(deviceID, command)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to send command: %v", err), statusFor(err))
		return
	}
	io.WriteString(w, fmt.Sprintf("%s <- %q\n%s -> %q\n", deviceID, command, deviceID, reply))
}

// debugCompensationChart renders the minimum attenuation of every active
// table across its frequency range.
func (s *Server) debugCompensationChart(w http.ResponseWriter, r *http.Request) {
	tables := s.ctrl.Tables()
	if len(tables) == 0 {
		http.Error(w, "no compensation tables loaded", http.StatusNotFound)
		return
	}

	lo, hi := 0.0, 0.0
	first := true
	for _, t := range tables {
		tlo, thi := t.Range()
		if first || tlo < lo {
			lo = tlo
		}
		if first || thi > hi {
			hi = thi
		}
		first = false
	}
	step := (hi - lo) / float64(chartSamples-1)
	if step <= 0 {
		step = 1
	}

	freqs := make([]float64, 0, chartSamples)
	xs := make([]string, 0, chartSamples)
	for i := 0; i < chartSamples; i++ {
		f := lo + float64(i)*step
		freqs = append(freqs, f)
		xs = append(xs, fmt.Sprintf("%.0f", f))
	}

	keys := make([]string, 0, len(tables))
	for k := range tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	current := s.ctrl.Frequency()
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Compensation tables", Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Minimum attenuation vs frequency",
			Subtitle: fmt.Sprintf("current %.2f MHz, floor %.2f dB", current.Frequency, current.MinAttenuation),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "MHz", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "dB", NameLocation: "middle", NameGap: 30}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(xs)
	for _, k := range keys {
		t := tables[k]
		data := make([]opts.LineData, len(freqs))
		for i, f := range freqs {
			data[i] = opts.LineData{Value: t.MinAttenuation(f)}
		}
		line.AddSeries(fmt.Sprintf("%s (%s)", k, t.Source()), data)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
