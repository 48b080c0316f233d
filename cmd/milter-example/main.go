// Command milter-example runs a demo milter that scans whole messages and
// logs milter protocol traffic as it negotiates, dispatches commands and
// buffers message bodies.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	miltr "github.com/retarus-oss/miltr-go"
)

//goland:noinspection SpellCheckingInspection
var letters = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")

func randSeq(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

func main() {
	transport := flag.String("transport", "tcp", "Transport to use for milter connection, one of 'tcp', 'unix', 'tcp4' or 'tcp6'")
	address := flag.String("address", "127.0.0.1:0", "Transport address, path for 'unix', address:port for 'tcp'")
	maxBodyMem := flag.Int("max-body-mem", 1<<20, "Bytes of message body to buffer in memory before spilling to a temp file")

	flag.Parse()

	if *transport == "unix" {
		_ = os.Remove(*address)
	}
	socket, err := net.Listen(*transport, *address)
	if err != nil {
		log.Fatal(err)
	}
	defer func(socket net.Listener) {
		_ = socket.Close()
	}(socket)

	if *transport == "unix" {
		if err := os.Chmod(*address, 0660); err != nil {
			log.Fatal(err)
		}
		defer func(name string) {
			_ = os.Remove(name)
		}(*address)
	}

	server := miltr.NewServer(
		miltr.WithAction(miltr.OptAddHeader),
		miltr.WithMilter(func() miltr.Milter {
			return newScanMilter(randSeq(10), *maxBodyMem)
		}),
		miltr.WithNegotiationCallback(func(mtaVersion, milterVersion uint32, mtaActions, milterActions miltr.OptAction, mtaProtocol, milterProtocol miltr.OptProtocol, offeredDataSize miltr.DataSize) (version uint32, actions miltr.OptAction, protocol miltr.OptProtocol, maxDataSize miltr.DataSize, err error) {
			log.Printf("negotiating: milter version %d, actions %032b, protocol %032b, data size %d", mtaVersion, mtaActions, mtaProtocol, offeredDataSize)
			return mtaVersion, mtaActions & milterActions, 0, offeredDataSize, nil
		}),
	)

	defer func(server *miltr.Server) {
		_ = server.Close()
	}(server)
	var wgDone sync.WaitGroup
	wgDone.Add(1)
	go func(socket net.Listener) {
		if err := server.Serve(socket); err != nil {
			log.Println(err)
		}
		wgDone.Done()
	}(socket)

	log.Printf("listening on %s:%s", socket.Addr().Network(), socket.Addr().String())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Printf("shutting down milter…")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	wgDone.Wait()
}
