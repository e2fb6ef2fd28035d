package server

// Handler processes one request. It must write exactly one response to conn,
// hand conn off with conn.Defer, or return an error for the caller to report.
type Handler interface {
	ServeConn(conn *Connection, req *Request) error
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(conn *Connection, req *Request) error

// ServeConn calls f(conn, req).
func (f HandlerFunc) ServeConn(conn *Connection, req *Request) error {
	return f(conn, req)
}

// RouterInterface is what the Server dispatches requests to. Dispatch returns
// only errors it could not turn into a response, such as ErrShutdownRequested.
type RouterInterface interface {
	Dispatch(conn *Connection, req *Request) error
}
