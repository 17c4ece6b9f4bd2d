package transcode

import (
	"maps"
	"slices"
)

// filterExprs maps the playback filter names offered to users onto decoder
// filter-graph expressions. Expressions that raise gain end in a limiter so
// no filter can clip its way past full scale.
var filterExprs = map[string]string{
	"bass":      "bass=g=12,alimiter=limit=0.9",
	"treble":    "treble=g=10,alimiter=limit=0.9",
	"reverb":    "aecho=0.8:0.88:60:0.4",
	"pitch":     "asetrate=48000*1.3,aresample=48000,atempo=0.7692",
	"nightcore": "asetrate=48000*1.25,aresample=48000",
	"slowed":    "asetrate=48000*0.8,aresample=48000",
	"echo":      "aecho=0.8:0.9:500|750:0.3|0.2",
	"tremolo":   "tremolo=f=8:d=0.8",
	"earrape":   "acrusher=level_in=4:level_out=8:bits=6:mode=log,alimiter=limit=0.9",
}

// Expr returns the decoder expression for a filter name.
func Expr(name string) (string, bool) {
	expr, ok := filterExprs[name]
	return expr, ok
}

// Filters returns all available filter names, sorted.
func Filters() []string {
	return slices.Sorted(maps.Keys(filterExprs))
}
