// dry-server: serves a trained free-water model over HTTP
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"dry/dry"
	"dry/server"
	"dry/utils"
)

var (
	port      = flag.String("port", utils.GetEnv("DRY_PORT", "8080"), "listen port")
	modelFile = flag.String("model", utils.GetEnv("DRY_MODEL", ""), "model file written by 'dry train'")
)

func main() {
	flag.Parse()

	if *modelFile == "" {
		fmt.Fprintln(os.Stderr, "Error: no model given (-model or DRY_MODEL)")
		os.Exit(1)
	}
	m, err := dry.LoadModel(*modelFile)
	if err != nil {
		log.Fatalf("Error loading model: %v", err)
	}
	h, err := server.NewHandler(m)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	log.Printf("Serving model %s (%s, %s) on port %s", m.ID, m.Arch, m.Protocol, *port)
	log.Fatal(http.ListenAndServe(":"+*port, server.NewRouter(h)))
}
