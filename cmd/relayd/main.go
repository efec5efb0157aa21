// Command relayd runs a standalone relay daemon: a websocket listener that
// bridge.Client peers dial into for cross-tab broadcast (spec.md §9 "Design
// note: a standalone relay binary").
package main

import (
	"flag"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/relaymesh/wiremesh/relay"
)

func main() {
	addr := flag.String("listen", ":8787", "address to listen on")
	path := flag.String("path", "/relay", "HTTP path the websocket endpoint is served on")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	r := relay.New(log)
	mux := http.NewServeMux()
	mux.HandleFunc(*path, r.ServeWebsocket)

	log.WithFields(logrus.Fields{"addr": *addr, "path": *path}).Info("relayd listening")
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.WithError(err).Fatal("relayd exited")
	}
}
