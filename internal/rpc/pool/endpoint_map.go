package pool

import "github.com/dropDatabas3/rackwatch/internal/rpc"

// endpointMap es la superficie tipada endpoint → conexiones. Existe para que
// el pool (y sus tests) trabajen contra get/set/contains/len/forEach en vez
// de comparar estructuralmente contra un map genérico. No es thread-safe: la
// sincronización es responsabilidad del Pool.
type endpointMap struct {
	m map[string][]*rpc.Conn
}

func newEndpointMap() *endpointMap {
	return &endpointMap{m: make(map[string][]*rpc.Conn)}
}

// get devuelve la colección ordenada de conexiones del endpoint (nil si no hay).
func (e *endpointMap) get(endpoint string) []*rpc.Conn {
	return e.m[endpoint]
}

// set reemplaza la colección del endpoint; vacía => se borra la entrada.
func (e *endpointMap) set(endpoint string, conns []*rpc.Conn) {
	if len(conns) == 0 {
		delete(e.m, endpoint)
		return
	}
	e.m[endpoint] = conns
}

func (e *endpointMap) contains(endpoint string) bool {
	_, ok := e.m[endpoint]
	return ok
}

// count devuelve cuántas conexiones tiene el endpoint.
func (e *endpointMap) count(endpoint string) int {
	return len(e.m[endpoint])
}

// len devuelve cuántos endpoints tienen al menos una conexión.
func (e *endpointMap) len() int {
	return len(e.m)
}

func (e *endpointMap) forEach(fn func(endpoint string, conns []*rpc.Conn)) {
	for name, conns := range e.m {
		fn(name, conns)
	}
}

// removeConn saca una conexión puntual; no-op si no está.
func (e *endpointMap) removeConn(endpoint string, conn *rpc.Conn) bool {
	conns := e.m[endpoint]
	for i, c := range conns {
		if c == conn {
			e.set(endpoint, append(append([]*rpc.Conn{}, conns[:i]...), conns[i+1:]...))
			return true
		}
	}
	return false
}
