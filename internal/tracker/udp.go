package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/WendelHime/fileswarm/internal/decoder"
	"github.com/WendelHime/fileswarm/internal/shared/models"
)

const (
	udpProtocolID     = 0x41727101980
	udpActionAnnounce = 1
	udpActionError    = 3
	udpTimeout        = 15 * time.Second
	peersRequested    = 100
)

type UDPGetter struct {
	interval int
	peerID   string
}

func NewUDPGetter(peerID string) PeersGetter {
	return &UDPGetter{peerID: peerID}
}

func (u *UDPGetter) GetPeers(ctx context.Context, announce string, a Announce) ([]models.Addr, error) {
	infoHash, err := a.infoHash()
	if err != nil {
		return nil, err
	}
	tracker, err := url.Parse(announce)
	if err != nil {
		return nil, err
	}

	trackerPort, err := strconv.Atoi(tracker.Port())
	if err != nil {
		return nil, err
	}

	ip, err := net.DefaultResolver.LookupIP(ctx, "ip4", tracker.Hostname())
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", models.ErrTransfer, tracker.Hostname(), err)
	}

	raddr := net.UDPAddr{
		IP:   ip[0],
		Port: trackerPort,
	}

	conn, err := net.DialUDP("udp", nil, &raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	deadline := time.Now().Add(udpTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	buf := make([]byte, 16)

	transactionID := 4609668
	binary.BigEndian.PutUint64(buf[0:], udpProtocolID)          // connection_id
	binary.BigEndian.PutUint32(buf[8:], 0)                      // action
	binary.BigEndian.PutUint32(buf[12:], uint32(transactionID)) // transaction_id

	_, err = conn.Write(buf)
	if err != nil {
		return nil, err
	}

	resp, err := decoder.ReadBytes(conn, 16)
	if err != nil {
		return nil, err
	}

	connectionID := binary.BigEndian.Uint64(resp[8:])

	buf = make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connectionID)             // connection id from the connect step
	binary.BigEndian.PutUint32(buf[8:12], udpActionAnnounce)       // action
	binary.BigEndian.PutUint32(buf[12:16], uint32(transactionID))  // transaction_id
	copy(buf[16:36], infoHash)                                     // info_hash
	copy(buf[36:56], u.peerID)                                     // peer_id
	binary.BigEndian.PutUint64(buf[56:64], 0)                      // downloaded
	binary.BigEndian.PutUint64(buf[64:72], a.Left)                 // left
	binary.BigEndian.PutUint64(buf[72:80], 0)                      // uploaded
	binary.BigEndian.PutUint32(buf[80:84], 2)                      // event: started
	binary.BigEndian.PutUint32(buf[84:88], 0)                      // ip: sender of this packet
	binary.BigEndian.PutUint32(buf[88:92], uint32(transactionID))  // key
	binary.BigEndian.PutUint32(buf[92:96], uint32(peersRequested)) // num_want
	binary.BigEndian.PutUint16(buf[96:98], a.Port)                 // port

	_, err = conn.Write(buf)
	if err != nil {
		return nil, err
	}

	buf = make([]byte, 20+peersRequested*6)
	read, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	if read >= 8 && binary.BigEndian.Uint32(buf[0:4]) == udpActionError {
		return nil, fmt.Errorf("%w: tracker refused announce: %s", models.ErrTransfer, buf[8:read])
	}
	if read < 20 {
		return nil, fmt.Errorf("%w: announce response of %d bytes", models.ErrProtocol, read)
	}

	u.interval = int(binary.BigEndian.Uint32(buf[8:12]))
	return readCompactPeers(buf[20:read])
}

func readCompactPeers(peerData []byte) ([]models.Addr, error) {
	if len(peerData)%6 != 0 {
		return nil, fmt.Errorf("%w: compact peers of %d bytes", models.ErrProtocol, len(peerData))
	}
	peers := make([]models.Addr, 0, len(peerData)/6)
	for len(peerData) > 0 {
		var addr models.Addr
		if err := addr.ReadFromBytes(peerData[:6]); err != nil {
			return nil, err
		}
		peers = append(peers, addr)
		peerData = peerData[6:]
	}
	return peers, nil
}
