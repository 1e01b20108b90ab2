package routeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"gorm.io/gorm"

	"github.com/ph2708/sync-apis/internal/models"
	"github.com/ph2708/sync-apis/internal/routes"
	"github.com/ph2708/sync-apis/internal/runner"
)

const dayLayout = "2006-01-02"

// TerminalExtView represents the external view of a terminal for API responses
type TerminalExtView struct {
	Placa             string     `json:"placa"`
	Descricao         *string    `json:"descricao"`
	Frota             *string    `json:"frota"`
	EquipamentoSerial *string    `json:"equipamento_serial"`
	DataGravacao      *time.Time `json:"data_gravacao"`
	DataAtualizacao   time.Time  `json:"data_atualizacao"`
}

func (e *TerminalExtView) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (s *Server) apiTerminalRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/", s.apiTerminalGetAll)

	return r
}

func (s *Server) apiTerminalGetAll(w http.ResponseWriter, r *http.Request) {
	terminals, err := s.store.Terminals(r.Context())
	if err != nil {
		log.Printf("apiTerminalGetAll: Failed to query DB (%v)", err)
		render.Render(w, r, errRender(http.StatusInternalServerError, nil))
		return
	}

	outs := []render.Renderer{}
	for _, e := range terminals {
		outs = append(outs, &TerminalExtView{
			Placa:             e.Placa,
			Descricao:         e.Descricao,
			Frota:             e.Frota,
			EquipamentoSerial: e.EquipamentoSerial,
			DataGravacao:      e.DataGravacao,
			DataAtualizacao:   e.DataAtualizacao,
		})
	}

	render.RenderList(w, r, outs)
}

func (s *Server) apiPlateCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "plate")))
		if key == "" {
			render.Render(w, r, errRender(http.StatusBadRequest, fmt.Errorf("missing plate param")))
			return
		}

		ctx := context.WithValue(r.Context(), plateKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RouteSummaryView is a route without its points
type RouteSummaryView struct {
	Placa      string    `json:"placa"`
	Date       string    `json:"date"`
	PointCount int       `json:"point_count"`
	StartTs    time.Time `json:"start_ts"`
	EndTs      time.Time `json:"end_ts"`
}

func (e *RouteSummaryView) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// RouteView is a full route
type RouteView struct {
	RouteSummaryView
	Points    json.RawMessage `json:"points"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (e *RouteView) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func routeSummary(rt models.Route) RouteSummaryView {
	return RouteSummaryView{
		Placa:      rt.Placa,
		Date:       time.Time(rt.RotaDate).Format(dayLayout),
		PointCount: rt.PointCount,
		StartTs:    rt.StartTs,
		EndTs:      rt.EndTs,
	}
}

func (s *Server) apiRouteRouter() chi.Router {
	r := chi.NewRouter()
	r.Route("/{plate}", func(r chi.Router) {
		r.Use(s.apiPlateCtx)
		r.Get("/", s.apiRouteList)
		r.Get("/{date}", s.apiRouteGet)
	})

	return r
}

// apiRouteList lists the route summaries of a plate. from and to bound the
// days, inclusive; both are optional.
func (s *Server) apiRouteList(w http.ResponseWriter, r *http.Request) {
	plate := plateFrom(r.Context())

	first := time.Date(1970, 1, 1, 0, 0, 0, 0, s.loc)
	last := s.now().In(s.loc)
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		first, err = runner.ParseDay(v, s.loc)
	}
	if v := r.URL.Query().Get("to"); v != "" && err == nil {
		last, err = runner.ParseDay(v, s.loc)
	}
	if err != nil {
		render.Render(w, r, errRender(http.StatusBadRequest, err))
		return
	}

	stored, err := s.store.Routes(r.Context(), plate, first, last)
	if err != nil {
		log.Printf("apiRouteList: Failed to query DB for %s (%v)", plate, err)
		render.Render(w, r, errRender(http.StatusInternalServerError, nil))
		return
	}

	outs := []render.Renderer{}
	for _, rt := range stored {
		v := routeSummary(rt)
		outs = append(outs, &v)
	}

	render.RenderList(w, r, outs)
}

func (s *Server) apiRouteGet(w http.ResponseWriter, r *http.Request) {
	plate := plateFrom(r.Context())

	day, err := runner.ParseDay(chi.URLParam(r, "date"), s.loc)
	if err != nil {
		render.Render(w, r, errRender(http.StatusBadRequest, err))
		return
	}

	rt, err := s.store.Route(r.Context(), plate, day)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		render.Render(w, r, errRender(http.StatusNotFound, fmt.Errorf("no route for %s on %s", plate, day.Format(dayLayout))))
		return
	}
	if err != nil {
		log.Printf("apiRouteGet: Failed to query DB for %s %s (%v)", plate, day.Format(dayLayout), err)
		render.Render(w, r, errRender(http.StatusInternalServerError, nil))
		return
	}

	points := json.RawMessage(rt.Points)
	if len(points) == 0 {
		points = json.RawMessage("[]")
	}

	render.Render(w, r, &RouteView{
		RouteSummaryView: routeSummary(*rt),
		Points:           points,
		UpdatedAt:        rt.UpdatedAt,
	})
}

// PositionExtView represents the external view of a ping for API responses
type PositionExtView struct {
	Placa           string     `json:"placa"`
	DataTransmissao *time.Time `json:"data_transmissao"`
	Latitude        *float64   `json:"latitude"`
	Longitude       *float64   `json:"longitude"`
	Velocidade      *int       `json:"velocidade"`
	Ignicao         *bool      `json:"ignicao"`
	Logradouro      *string    `json:"logradouro"`
}

func (e *PositionExtView) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (s *Server) apiPositionRouter() chi.Router {
	r := chi.NewRouter()
	r.Route("/{plate}", func(r chi.Router) {
		r.Use(s.apiPlateCtx)
		r.Get("/", s.apiPositionGetDay)
	})

	return r
}

// apiPositionGetDay lists the pings of a plate on ?date=, today by default
func (s *Server) apiPositionGetDay(w http.ResponseWriter, r *http.Request) {
	plate := plateFrom(r.Context())

	day := s.now().In(s.loc)
	if v := r.URL.Query().Get("date"); v != "" {
		var err error
		day, err = runner.ParseDay(v, s.loc)
		if err != nil {
			render.Render(w, r, errRender(http.StatusBadRequest, err))
			return
		}
	}

	start, end := routes.DayBounds(day, s.loc)
	pings, err := s.store.DayPings(r.Context(), plate, start, end)
	if err != nil {
		log.Printf("apiPositionGetDay: Failed to query DB for %s (%v)", plate, err)
		render.Render(w, r, errRender(http.StatusInternalServerError, nil))
		return
	}

	outs := []render.Renderer{}
	for _, p := range pings {
		outs = append(outs, &PositionExtView{
			Placa:           p.Placa,
			DataTransmissao: p.DataTransmissao,
			Latitude:        p.Latitude,
			Longitude:       p.Longitude,
			Velocidade:      p.Velocidade,
			Ignicao:         p.Ignicao,
			Logradouro:      p.Logradouro,
		})
	}

	render.RenderList(w, r, outs)
}
