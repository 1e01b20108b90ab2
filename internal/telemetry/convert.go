package telemetry

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/ph2708/sync-apis/internal/models"
	"github.com/ph2708/sync-apis/internal/rawitem"
)

var (
	plateField        = rawitem.Field{Aliases: []string{"placa", "placaVeiculo", "plate"}}
	transmissionField = rawitem.Field{Aliases: []string{"data_transmissao", "data", "data_gravacao"}}
)

// Plate returns the normalized plate of item, or "" when it carries none
func Plate(item rawitem.RawItem) string {
	s, ok := rawitem.String(plateField.Get(item))
	if !ok {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

// TransmittedAt is the ping timestamp, falling back to the other date fields
func TransmittedAt(item rawitem.RawItem, loc *time.Location) (time.Time, bool) {
	return rawitem.Time(transmissionField.Get(item), loc)
}

func rawJSON(item rawitem.RawItem) datatypes.JSON {
	b, err := json.Marshal(item)
	if err != nil {
		return datatypes.JSON(`{}`)
	}
	return datatypes.JSON(b)
}

func str(item rawitem.RawItem, key string) *string {
	s, ok := rawitem.String(rawitem.Lookup(item, key))
	if !ok {
		return nil
	}
	return &s
}

func num(item rawitem.RawItem, key string) *float64 {
	f, ok := rawitem.Number(rawitem.Lookup(item, key))
	if !ok {
		return nil
	}
	return &f
}

func coord(item rawitem.RawItem, key string) *float64 {
	f, ok := rawitem.Float64(rawitem.Lookup(item, key))
	if !ok {
		f, ok = rawitem.Number(rawitem.Lookup(item, key))
	}
	if !ok {
		return nil
	}
	return &f
}

func stamp(item rawitem.RawItem, key string, loc *time.Location) *time.Time {
	t, ok := rawitem.Time(rawitem.Lookup(item, key), loc)
	if !ok {
		return nil
	}
	t = t.UTC()
	return &t
}

func terminalFromItem(item rawitem.RawItem, loc *time.Location) (models.Terminal, bool) {
	plate := Plate(item)
	if plate == "" {
		return models.Terminal{}, false
	}

	return models.Terminal{
		Placa:             plate,
		Descricao:         str(item, "descricao"),
		Frota:             str(item, "frota"),
		EquipamentoSerial: str(item, "equipamento_serial"),
		DataGravacao:      stamp(item, "data_gravacao", loc),
		Data:              rawJSON(item),
	}, true
}

func positionFromItem(item rawitem.RawItem, loc *time.Location) (models.Position, bool) {
	plate := Plate(item)
	if plate == "" {
		return models.Position{}, false
	}

	p := models.Position{
		Placa:             plate,
		DataTransmissao:   stamp(item, "data_transmissao", loc),
		Latitude:          coord(item, "latitude"),
		Longitude:         coord(item, "longitude"),
		Logradouro:        str(item, "logradouro"),
		Odometro:          num(item, "odometro"),
		OdometroCan:       num(item, "odometro_can"),
		Horimetro:         num(item, "horimetro"),
		Bateria:           num(item, "bateria"),
		EquipamentoSerial: str(item, "equipamento_serial"),
		DataGravacao:      stamp(item, "data_gravacao", loc),
		Raw:               rawJSON(item),
	}

	if v, ok := rawitem.Number(rawitem.Lookup(item, "velocidade")); ok {
		speed := int(v)
		p.Velocidade = &speed
	}
	if b, ok := rawitem.Bool(rawitem.Lookup(item, "ignicao")); ok {
		p.Ignicao = &b
	}

	return p, true
}

func tripFromItem(item rawitem.RawItem, plate string, loc *time.Location) (models.Trip, bool) {
	p := Plate(item)
	if p == "" {
		p = plate
	}
	if p == "" {
		return models.Trip{}, false
	}

	return models.Trip{
		Placa:                     p,
		Cliente:                   str(item, "cliente"),
		ClienteFantasia:           str(item, "cliente_fantasia"),
		DataInicioConducao:        stamp(item, "data_inicio_conducao", loc),
		DataFimConducao:           stamp(item, "data_fim_conducao", loc),
		LatitudeInicioConducao:    coord(item, "latitude_inicio_conducao"),
		LongitudeInicioConducao:   coord(item, "longitude_inicio_conducao"),
		LatitudeFimConducao:       coord(item, "latitude_fim_conducao"),
		LongitudeFimConducao:      coord(item, "longitude_fim_conducao"),
		LocalizacaoInicioConducao: str(item, "localizacao_inicio_conducao"),
		LocalizacaoFimConducao:    str(item, "localizacao_fim_conducao"),
		OdometroInicioConducao:    num(item, "odometro_inicio_conducao"),
		OdometroFimConducao:       num(item, "odometro_fim_conducao"),
		DuracaoConducao:           str(item, "duracao_conducao"),
		DistanciaConducao:         num(item, "distancia_conducao"),
		CondutorNome:              str(item, "condutor_nome"),
		CondutorIdentificacao:     str(item, "condutor_identificacao"),
		Raw:                       rawJSON(item),
	}, true
}
