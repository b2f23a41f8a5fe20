//go:build llama

package backend

// cgo link directives for the in-process llama engine.
// $ORIGIN rpath lets the runtime loader find libllama.so next to the built
// binary; the -L path covers link time when building the 'llama' variant.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
*/
import "C"
