package artwork

import (
	_ "embed"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
)

//go:embed placeholder.png
var placeholderArt []byte

// Server serves cover art over HTTP at /art/{player}. A resolution miss gets
// the embedded placeholder image instead of an error.
type Server struct {
	resolver *Resolver

	close    bool
	listener net.Listener
}

func NewServer(address string, port int, resolver *Resolver) (_ *Server, err error) {
	s := &Server{resolver: resolver}

	s.listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("failed starting art listener: %w", err)
	}

	log.Infof("art server listening on %s", s.listener.Addr())

	go s.serve()
	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) serve() {
	m := http.NewServeMux()
	m.HandleFunc("/art/", s.handleArt)

	c := cors.New(cors.Options{
		AllowedOrigins:      []string{"*"},
		AllowPrivateNetwork: true,
	})

	err := http.Serve(s.listener, c.Handler(m))
	if s.close {
		return
	} else if err != nil {
		log.WithError(err).Fatal("failed serving art")
	}
}

func (s *Server) handleArt(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	player := strings.TrimPrefix(r.URL.Path, "/art/")
	if player == "" || strings.Contains(player, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	path, ok := s.resolver.Resolve(player)
	if !ok {
		s.servePlaceholder(w)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.WithError(err).WithField("player", player).Debug("failed opening art file")
		s.servePlaceholder(w)
		return
	}
	defer func() { _ = f.Close() }()

	// Cover art files rarely carry a useful extension, sniff the content
	// type instead.
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	w.Header().Set("Content-Type", http.DetectContentType(head[:n]))
	_, _ = w.Write(head[:n])
	_, _ = io.Copy(w, f)
}

func (s *Server) servePlaceholder(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(placeholderArt)
}

func (s *Server) Close() {
	s.close = true
	_ = s.listener.Close()
}
