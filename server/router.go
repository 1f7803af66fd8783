package server

import (
	"strings"
	"sync"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

var methods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

func methodIndex(method string) int {
	for i, m := range methods {
		if m == method {
			return i
		}
	}
	return -1
}

// Router resolves static paths through a map and paths with {param}
// segments through a trie. A static child always wins over a parameter.
type Router struct {
	mu           sync.RWMutex
	staticRoutes map[string]*types.RouteInfo
	root         *routeNode
}

type routeNode struct {
	staticChildren map[string]*routeNode
	paramChild     *routeNode
	paramName      string
	routes         map[int]*types.RouteInfo
}

func newRouteNode() *routeNode {
	return &routeNode{staticChildren: make(map[string]*routeNode)}
}

func NewRouter() *Router {
	return &Router{
		staticRoutes: make(map[string]*types.RouteInfo),
		root:         newRouteNode(),
	}
}

func (r *Router) Add(method, path string, handler types.FastHTTPHandler, config *types.RouteConfig) {
	idx := methodIndex(method)
	if idx < 0 {
		return
	}
	if config == nil {
		config = &types.RouteConfig{}
	}

	path = normalizePath(path)
	info := &types.RouteInfo{Method: method, Path: path, Handler: handler, Config: config}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !strings.Contains(path, "{") {
		r.staticRoutes[method+":"+path] = info
		return
	}

	node := r.root
	for _, segment := range splitPath(path) {
		if isParam(segment) {
			if node.paramChild == nil {
				node.paramChild = newRouteNode()
				node.paramChild.paramName = segment[1 : len(segment)-1]
			}
			node = node.paramChild
			continue
		}

		child, exists := node.staticChildren[segment]
		if !exists {
			child = newRouteNode()
			node.staticChildren[segment] = child
		}
		node = child
	}

	if node.routes == nil {
		node.routes = make(map[int]*types.RouteInfo)
	}
	node.routes[idx] = info
}

// Lookup returns the route for method and path with its path parameters, or
// nil when nothing matches.
func (r *Router) Lookup(method, path []byte) (*types.RouteInfo, map[string]string) {
	methodStr := utils.BytesToString(method)
	pathStr := normalizePath(utils.BytesToString(path))

	r.mu.RLock()
	defer r.mu.RUnlock()

	if info := r.staticRoutes[methodStr+":"+pathStr]; info != nil {
		return info, nil
	}

	idx := methodIndex(methodStr)
	if idx < 0 {
		return nil, nil
	}

	params := make(map[string]string, 2)
	if info := r.find(r.root, splitPath(pathStr), idx, params); info != nil {
		return info, params
	}
	return nil, nil
}

func (r *Router) find(node *routeNode, segments []string, idx int, params map[string]string) *types.RouteInfo {
	if len(segments) == 0 {
		return node.routes[idx]
	}

	segment := segments[0]

	if child, exists := node.staticChildren[segment]; exists {
		if info := r.find(child, segments[1:], idx, params); info != nil {
			return info
		}
	}

	if node.paramChild != nil {
		params[node.paramChild.paramName] = segment
		if info := r.find(node.paramChild, segments[1:], idx, params); info != nil {
			return info
		}
		delete(params, node.paramChild.paramName)
	}

	return nil
}

// Allowed lists the methods registered for path, used to tell 405 from 404.
func (r *Router) Allowed(path []byte) []string {
	var allowed []string
	for _, method := range methods {
		if info, _ := r.Lookup([]byte(method), path); info != nil {
			allowed = append(allowed, method)
		}
	}
	return allowed
}

func (r *Router) GetAllRoutes() map[string]*types.RouteInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string]*types.RouteInfo, len(r.staticRoutes))
	for key, info := range r.staticRoutes {
		routes[key] = info
	}
	collect(r.root, routes)
	return routes
}

func collect(node *routeNode, routes map[string]*types.RouteInfo) {
	for _, info := range node.routes {
		routes[info.Method+":"+info.Path] = info
	}
	for _, child := range node.staticChildren {
		collect(child, routes)
	}
	if node.paramChild != nil {
		collect(node.paramChild, routes)
	}
}

func (r *Router) route(method, path string, handler types.FastHTTPHandler, inherited *types.RouteConfig) types.RouteBuilder {
	config := &types.RouteConfig{}
	if inherited != nil {
		config.Middlewares = append(config.Middlewares, inherited.Middlewares...)
		config.DisabledMiddlewares = append(config.DisabledMiddlewares, inherited.DisabledMiddlewares...)
		config.Timeout = inherited.Timeout
	}

	r.Add(method, path, handler, config)
	return &RouteBuilder{config: config}
}

func (r *Router) Group(prefix string) types.GroupBuilder {
	return &GroupBuilder{router: r, prefix: prefix, config: &types.RouteConfig{}}
}

func (r *Router) GET(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return r.route("GET", path, handler, nil)
}

func (r *Router) POST(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return r.route("POST", path, handler, nil)
}

func (r *Router) DELETE(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return r.route("DELETE", path, handler, nil)
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if path[0] != '/' {
		path = "/" + path
	}
	if len(path) > 1 && path[len(path)-1] == '/' {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func isParam(segment string) bool {
	return len(segment) > 2 && segment[0] == '{' && segment[len(segment)-1] == '}'
}
