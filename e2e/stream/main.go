// A pull-variant smoke client. It offers a receive-only video
// transceiver to a running spotter instance, applies the answer and
// reports ICE progress until interrupted.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"

	"github.com/pion/webrtc/v3"

	"github.com/railview/spotter/internal/signal"
)

func main() {
	server := flag.String("server", "http://127.0.0.1:8080", "spotter base URL")
	flag.Parse()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		log.Fatal(err)
	}
	defer pc.Close() //nolint:errcheck

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("ICE connection state: %s", state)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("receiving track: %s", track.Codec().MimeType)
	})

	if _, err := pc.AddTransceiverFromKind(
		webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
	); err != nil {
		log.Fatal(err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		log.Fatal(err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		log.Fatal(err)
	}
	<-gathered

	body, err := json.Marshal(&signal.Message{Type: signal.TypeOffer, SDP: pc.LocalDescription().SDP})
	if err != nil {
		log.Fatal(err)
	}
	resp, err := http.Post(*server+"/v1/stream/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		log.Fatalf("unexpected status %s", resp.Status)
	}

	var answer signal.Message
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		log.Fatal(err)
	}
	desc, err := answer.Answer()
	if err != nil {
		log.Fatal(err)
	}
	if err := pc.SetRemoteDescription(*desc); err != nil {
		log.Fatal(err)
	}
	log.Printf("session %s created at %s", answer.SessionID, resp.Header.Get("Location"))

	sigs := make(chan os.Signal, 1)
	ossignal.Notify(sigs, os.Interrupt)
	<-sigs
}
