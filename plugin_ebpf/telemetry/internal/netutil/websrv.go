/*
 * @Author: CALM.WU
 * @Date: 2024-03-26 10:03:51
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-26 14:40:12
 */

package netutil

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	calmutils "github.com/wubo0067/calmwu-go/utils"
)

const shutdownTimeout = 5 * time.Second

// WebSrv contains webserver resource
type WebSrv struct {
	srvName string
	httpSrv *http.Server
	router  *gin.Engine
	addr    net.Addr
}

// ginLogger logs the request latency.
func ginLogger(c *gin.Context) {
	t := time.Now()
	c.Next()
	glog.V(5).Infof("%s %d latency:%s", c.Request.RequestURI, c.Writer.Status(), time.Since(t).String())
}

// ginRecover turns a handler panic into a 500 and logs the request with the stack.
func ginRecover(c *gin.Context) {
	defer func() {
		if err := recover(); err != nil {
			stack := calmutils.CallStack(2)
			httprequest, _ := httputil.DumpRequest(c.Request, false)
			glog.Errorf("[Recovery] panic recovered:\n%s\n%s\n%s", calmutils.Bytes2String(httprequest), err, stack)
			c.AbortWithStatus(http.StatusInternalServerError)
		}
	}()
	c.Next()
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// NewWebSrv make a websrv instance
func NewWebSrv(name string, bindAddr string) *WebSrv {
	router := gin.New()
	router.Use(ginLogger)
	router.Use(ginRecover)

	return &WebSrv{
		srvName: name,
		router:  router,
		httpSrv: &http.Server{
			Addr:              bindAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start binds the listen address and serves in the background.
func (ws *WebSrv) Start() error {
	ln, err := net.Listen("tcp", ws.httpSrv.Addr)
	if err != nil {
		err = errors.Wrapf(err, "%s listen on %s", ws.srvName, ws.httpSrv.Addr)
		glog.Error(err.Error())
		return err
	}
	ws.addr = ln.Addr()

	go func() {
		glog.Infof("Starting up %s %s", ws.srvName, ws.addr)
		if err := ws.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("%s Serve failed. error: %s", ws.srvName, err.Error())
		}
	}()
	return nil
}

// Addr is the bound address, nil before Start.
func (ws *WebSrv) Addr() net.Addr {
	return ws.addr
}

// Stop shuts the server down, waiting for in-flight requests a few seconds.
func (ws *WebSrv) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := ws.httpSrv.Shutdown(ctx); err != nil {
		glog.Warningf("%s shutdown. err:%s", ws.srvName, err.Error())
	}
	glog.Infof("%s shutdown now", ws.srvName)
}

// Handle register a new request handle
func (ws *WebSrv) Handle(httpMethod string, relativePath string, handlers ...gin.HandlerFunc) {
	ws.router.Handle(httpMethod, relativePath, handlers...)
}

// ServeHTTP lets tests drive the router without a listener.
func (ws *WebSrv) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws.router.ServeHTTP(w, r)
}
