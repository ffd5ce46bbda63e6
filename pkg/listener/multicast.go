package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/hervehildenbrand/rid-radar/pkg/metrics"
	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// Multicast reads CoT datagrams from a UDP multicast group.
type Multicast struct {
	base
	cfg   Config
	group net.IP

	joined []string
}

// NewMulticast creates an unstarted multicast listener.
func NewMulticast(logger *zap.Logger, m *metrics.Metrics, cfg Config) *Multicast {
	if cfg.MulticastGroup == "" {
		cfg.MulticastGroup = DefaultMulticastGroup
	}
	if cfg.MulticastPort == 0 {
		cfg.MulticastPort = DefaultMulticastPort
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Multicast{
		base: newBase(logger.Named("multicast"), m, cfg.BufferSize),
		cfg:  cfg,
	}
}

func (l *Multicast) address() string {
	return net.JoinHostPort(l.cfg.MulticastGroup, strconv.Itoa(l.cfg.MulticastPort))
}

// Start binds the port with address reuse, joins the group and begins reading.
func (l *Multicast) Start(ctx context.Context) error {
	ctx, err := l.begin(ctx)
	if err != nil {
		return err
	}

	group := net.ParseIP(l.cfg.MulticastGroup).To4()
	if group == nil || !group.IsMulticast() {
		l.abort()
		return &ConnectError{Transport: ModeMulticast, Address: l.address(),
			Err: fmt.Errorf("%q is not an IPv4 multicast group", l.cfg.MulticastGroup)}
	}
	l.group = group

	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", l.cfg.MulticastPort))
	if err != nil {
		l.abort()
		return &ConnectError{Transport: ModeMulticast, Address: l.address(), Err: err}
	}

	p := ipv4.NewPacketConn(pc)
	if err := l.join(p); err != nil {
		pc.Close()
		l.abort()
		return &ConnectError{Transport: ModeMulticast, Address: l.address(), Err: err}
	}

	l.logger.Info("Joined multicast group",
		zap.String("group", l.address()),
		zap.Strings("interfaces", l.joined))

	l.wg.Add(2)
	go l.readLoop(ctx, pc)
	go func() {
		defer l.wg.Done()
		<-ctx.Done()
		for _, name := range l.joined {
			if ifi, err := net.InterfaceByName(name); err == nil {
				_ = p.LeaveGroup(ifi, &net.UDPAddr{IP: l.group})
			}
		}
		// Unblocks ReadFrom.
		pc.Close()
	}()

	l.run(func() {
		l.logger.Info("Left multicast group", zap.String("group", l.address()))
	})
	return nil
}

// join subscribes on the configured interface, or on every interface that is
// up and multicast-capable. At least one join must succeed.
func (l *Multicast) join(p *ipv4.PacketConn) error {
	addr := &net.UDPAddr{IP: l.group}

	if l.cfg.Interface != "" {
		ifi, err := net.InterfaceByName(l.cfg.Interface)
		if err != nil {
			return err
		}
		if err := p.JoinGroup(ifi, addr); err != nil {
			return fmt.Errorf("join on %s: %w", ifi.Name, err)
		}
		l.joined = append(l.joined, ifi.Name)
		return nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}
	var errs []error
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := p.JoinGroup(ifi, addr); err != nil {
			errs = append(errs, fmt.Errorf("join on %s: %w", ifi.Name, err))
			continue
		}
		l.joined = append(l.joined, ifi.Name)
	}
	if len(l.joined) == 0 {
		if len(errs) == 0 {
			return errors.New("no multicast-capable interface")
		}
		return errors.Join(errs...)
	}
	return nil
}

func (l *Multicast) readLoop(ctx context.Context, pc net.PacketConn) {
	defer l.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("Multicast read failed", zap.Error(err))
			l.fail(err)
			return
		}
		if n == 0 {
			continue
		}
		l.emit(models.SourceMulticast, buf[:n])
	}
}

// Stats returns listener statistics.
func (l *Multicast) Stats() map[string]interface{} {
	stats := l.stats()
	stats["mode"] = ModeMulticast
	stats["group"] = l.address()
	stats["interfaces"] = l.joined
	return stats
}
