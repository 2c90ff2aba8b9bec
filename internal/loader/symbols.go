package loader

import (
	"reflect"

	"github.com/photonmcp/photon/pkg/photon"
)

// hostSymbols exposes pkg/photon inside the interpreter so that a photon
// source may import it and declare methods taking a *photon.Ctx. The types
// are the real host types; values flow between interpreted and compiled code
// without conversion.
var hostSymbols = map[string]map[string]reflect.Value{
	"github.com/photonmcp/photon/pkg/photon/photon": {
		"Ctx":        reflect.ValueOf((*photon.Ctx)(nil)),
		"NewCtx":     reflect.ValueOf(photon.NewCtx),
		"LogLevel":   reflect.ValueOf((*photon.LogLevel)(nil)),
		"LogDebug":   reflect.ValueOf(photon.LogDebug),
		"LogInfo":    reflect.ValueOf(photon.LogInfo),
		"LogWarning": reflect.ValueOf(photon.LogWarning),
		"LogError":   reflect.ValueOf(photon.LogError),
	},
}
