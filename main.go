package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pangolin-social/pangolin/activitypub"
	"github.com/pangolin-social/pangolin/store"
	"github.com/pangolin-social/pangolin/util"
	"github.com/pangolin-social/pangolin/web"
)

const databaseFileName = "pangolin.db"

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatal("Could not read configuration", "err", err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	st, err := store.Open(util.ResolveFilePath(databaseFileName))
	if err != nil {
		log.Fatal("Could not open store", "err", err)
	}
	defer st.Close()

	client := &http.Client{Timeout: 10 * time.Second}
	cache := activitypub.NewActorCache(client)
	queue := activitypub.NewDeliveryQueue(client, conf.Conf.DeliveryWorkers, conf.Conf.Domain)
	dispatcher := activitypub.NewDispatcher(st, cache, queue, conf.Conf.Domain)

	router := web.NewRouter(conf, st, dispatcher)

	go func() {
		addr := fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort)
		log.Info("Starting server", "addr", addr, "federation", conf.Conf.Federation)
		if err := router.Run(addr); err != nil {
			log.Fatal("Server stopped", "err", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Info("Shutting down, draining delivery queue..")
	queue.Close()
}
