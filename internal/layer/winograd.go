package layer

import (
	"github.com/born-ml/netrun/internal/parallel"
)

// Winograd F(2x2, 3x3): Y = Aᵀ [ (G g Gᵀ) ⊙ (Bᵀ d B) ] A, where g is the 3x3
// kernel, d a 4x4 input tile and Y the 2x2 output tile.

var winogradG = [4][3]float32{
	{1, 0, 0},
	{0.5, 0.5, 0.5},
	{0.5, -0.5, 0.5},
	{0, 0, 1},
}

var winogradBT = [4][4]float32{
	{1, 0, -1, 0},
	{0, 1, 1, 0},
	{0, -1, 1, 0},
	{0, 1, 0, -1},
}

var winogradAT = [2][4]float32{
	{1, 1, 1, 0},
	{0, 1, -1, -1},
}

// winogradTransformKernel computes U = G g Gᵀ for every (oc, ic) kernel.
func winogradTransformKernel(w []float32, numOutput, inChannels int) []float32 {
	u := make([]float32, numOutput*inChannels*16)
	for k := 0; k < numOutput*inChannels; k++ {
		g := w[k*9 : k*9+9]
		var tmp [4][3]float32 // G g
		for i := 0; i < 4; i++ {
			for j := 0; j < 3; j++ {
				tmp[i][j] = winogradG[i][0]*g[j] + winogradG[i][1]*g[3+j] + winogradG[i][2]*g[6+j]
			}
		}
		dst := u[k*16 : k*16+16]
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				dst[i*4+j] = tmp[i][0]*winogradG[j][0] + tmp[i][1]*winogradG[j][1] + tmp[i][2]*winogradG[j][2]
			}
		}
	}
	return u
}

// winogradTransformInput computes V = Bᵀ d B.
func winogradTransformInput(d *[16]float32, v *[16]float32) {
	var tmp [16]float32 // Bᵀ d
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			tmp[i*4+j] = winogradBT[i][0]*d[j] + winogradBT[i][1]*d[4+j] + winogradBT[i][2]*d[8+j] + winogradBT[i][3]*d[12+j]
		}
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			v[i*4+j] = tmp[i*4]*winogradBT[j][0] + tmp[i*4+1]*winogradBT[j][1] + tmp[i*4+2]*winogradBT[j][2] + tmp[i*4+3]*winogradBT[j][3]
		}
	}
}

// winogradTransformOutput computes Y = Aᵀ M A.
func winogradTransformOutput(m *[16]float32, y *[4]float32) {
	var tmp [8]float32 // Aᵀ M
	for i := 0; i < 2; i++ {
		for j := 0; j < 4; j++ {
			tmp[i*4+j] = winogradAT[i][0]*m[j] + winogradAT[i][1]*m[4+j] + winogradAT[i][2]*m[8+j] + winogradAT[i][3]*m[12+j]
		}
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			y[i*2+j] = tmp[i*4]*winogradAT[j][0] + tmp[i*4+1]*winogradAT[j][1] + tmp[i*4+2]*winogradAT[j][2] + tmp[i*4+3]*winogradAT[j][3]
		}
	}
}

func (l *Convolution) forwardWinograd(x, y []float32, g convGeometry, opt *Option) {
	tilesH, tilesW := (g.outH+1)/2, (g.outW+1)/2
	parallel.For(l.NumOutput, func(oc int) {
		dst := y[oc*g.outH*g.outW : (oc+1)*g.outH*g.outW]
		b := l.bias(oc)
		var d, v, m [16]float32
		var out [4]float32
		for ty := 0; ty < tilesH; ty++ {
			for tx := 0; tx < tilesW; tx++ {
				m = [16]float32{}
				y0, x0 := ty*2-l.PadH, tx*2-l.PadW
				for ic := 0; ic < g.c; ic++ {
					plane := x[ic*g.h*g.w:]
					for i := 0; i < 4; i++ {
						for j := 0; j < 4; j++ {
							iy, ix := y0+i, x0+j
							if iy < 0 || iy >= g.h || ix < 0 || ix >= g.w {
								d[i*4+j] = 0
							} else {
								d[i*4+j] = plane[iy*g.w+ix]
							}
						}
					}
					winogradTransformInput(&d, &v)
					u := l.winogradU[(oc*g.c+ic)*16:]
					for k := 0; k < 16; k++ {
						m[k] += u[k] * v[k]
					}
				}
				winogradTransformOutput(&m, &out)
				for i := 0; i < 2; i++ {
					for j := 0; j < 2; j++ {
						oy, ox := ty*2+i, tx*2+j
						if oy < g.outH && ox < g.outW {
							dst[oy*g.outW+ox] = out[i*2+j] + b
						}
					}
				}
			}
		}
	}, opt.Parallel())
}
